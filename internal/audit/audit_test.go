package audit

import (
	"context"
	"log/slog"
	"testing"
)

func TestRecordWithoutDBDoesNotPanic(t *testing.T) {
	r := NewRecorder(nil, slog.Default())
	r.AuthFailure(context.Background(), "https://x.example/users/a", "stale date", 1000)
	r.RateLimited(context.Background(), "https://x.example/users/a", "over window", 1000)
	r.Blocked(context.Background(), "https://x.example/users/a", "domain blocked", 1000)
	r.ProtocolViolation(context.Background(), "https://x.example/users/a", "bad json", 1000)
	r.ActorKeyRotated(context.Background(), "https://x.example/users/a", "key changed", 1000)
}
