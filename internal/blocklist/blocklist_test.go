package blocklist

import "testing"

func TestDomainBlocked(t *testing.T) {
	g := NewGuard(Config{BlockedDomain: []string{"spam.example"}})
	if !g.DomainBlocked("https://spam.example/users/bob") {
		t.Fatal("expected spam.example to be blocked")
	}
	if g.DomainBlocked("https://good.example/users/alice") {
		t.Fatal("expected good.example to not be blocked")
	}
}

func TestDomainBlockedMalformedURL(t *testing.T) {
	g := NewGuard(Config{})
	if !g.DomainBlocked("://not a url") {
		t.Fatal("expected malformed actor URL to be treated as blocked")
	}
}

func TestGuardWithoutDBIsPermissive(t *testing.T) {
	g := NewGuard(Config{})
	blocked, err := g.ActorBlocked(nil, "https://x.example/users/a")
	if err != nil || blocked {
		t.Fatalf("expected no-DB guard to allow, got blocked=%v err=%v", blocked, err)
	}
}
