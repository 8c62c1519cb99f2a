package activitypub

import (
	"encoding/json"
	"testing"
)

func TestObjectActorOrIDBareString(t *testing.T) {
	a := Activity{Object: json.RawMessage(`"https://remote.example/users/bob"`)}
	if got := a.ObjectActorOrID(); got != "https://remote.example/users/bob" {
		t.Fatalf("got %q", got)
	}
}

func TestObjectActorOrIDEmbedded(t *testing.T) {
	a := Activity{Object: json.RawMessage(`{"id":"https://remote.example/acts/5","type":"Follow"}`)}
	if got := a.ObjectActorOrID(); got != "https://remote.example/acts/5" {
		t.Fatalf("got %q", got)
	}
}

func TestPublicAddressed(t *testing.T) {
	a := Activity{To: []string{"https://www.w3.org/ns/activitystreams#Public"}}
	if !a.PublicAddressed() {
		t.Fatal("expected public-addressed activity to be detected")
	}
	b := Activity{To: []string{"https://remote.example/users/bob/followers"}}
	if b.PublicAddressed() {
		t.Fatal("expected non-public activity to not be detected as public")
	}
}

func TestParseAcct(t *testing.T) {
	user, domain, err := ParseAcct("acct:alice@fedi3.example")
	if err != nil {
		t.Fatalf("ParseAcct: %v", err)
	}
	if user != "alice" || domain != "fedi3.example" {
		t.Fatalf("got user=%q domain=%q", user, domain)
	}
	if _, _, err := ParseAcct("not-an-acct"); err == nil {
		t.Fatal("expected error for malformed resource")
	}
}

func TestNewActorShapesEndpoints(t *testing.T) {
	actor := NewActor("https://fedi3.example/users/alice", "alice", "PEM", "https://fedi3.example/inbox", "/ip4/1.2.3.4/tcp/4001/p2p/QmXyz")
	if actor.Inbox != "https://fedi3.example/users/alice/inbox" {
		t.Fatalf("unexpected inbox: %s", actor.Inbox)
	}
	if actor.Endpoints.Fedi3 == "" {
		t.Fatal("expected fedi3 overlay endpoint to be set")
	}
}
