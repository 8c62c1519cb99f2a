package eventbus

import (
	"encoding/json"
	"testing"
)

func TestEventMarshal(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"message": "hello"})
	event := Event{
		Type:    "GOSSIP_OBJECT_SEEN",
		PeerID:  "peer123",
		ActorID: "https://node.example/actor/alice",
		Data:    data,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Type != "GOSSIP_OBJECT_SEEN" {
		t.Errorf("type = %q, want %q", decoded.Type, "GOSSIP_OBJECT_SEEN")
	}
	if decoded.PeerID != "peer123" {
		t.Errorf("peer_id = %q, want %q", decoded.PeerID, "peer123")
	}
	if decoded.ActorID != "https://node.example/actor/alice" {
		t.Errorf("actor_id = %q, want %q", decoded.ActorID, "https://node.example/actor/alice")
	}

	var payload map[string]string
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload["message"] != "hello" {
		t.Errorf("data.message = %q, want %q", payload["message"], "hello")
	}
}

func TestEventMarshalEmptyOptionals(t *testing.T) {
	data, _ := json.Marshal(nil)
	event := Event{Type: "GC_COMPLETED", Data: data}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if contains(string(encoded), `"peer_id"`) {
		t.Error("empty peer_id should be omitted")
	}
	if contains(string(encoded), `"actor_id"`) {
		t.Error("empty actor_id should be omitted")
	}
}

func TestSubjectConstantsFollowNamingConvention(t *testing.T) {
	subjects := []string{
		SubjectGossipObjectSeen, SubjectGossipPeerSeen,
		SubjectPeerRecovered, SubjectPeerUnreachable,
		SubjectDeliveryRetry, SubjectDeliveryDead, SubjectDeliveryCompleted,
		SubjectChatEnvelopeReady,
		SubjectCounterFlush, SubjectGCCompleted, SubjectObjectFetched,
	}
	for _, s := range subjects {
		if s == "" {
			t.Error("empty subject constant")
		}
		if len(s) < 7 || s[:6] != "fedi3." {
			t.Errorf("subject %q should start with 'fedi3.'", s)
		}
	}
}

func TestEventJSONTags(t *testing.T) {
	data := []byte(`{"t":"TEST","peer_id":"p","actor_id":"a","d":{"key":"val"}}`)
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if event.Type != "TEST" {
		t.Errorf("Type = %q, want %q", event.Type, "TEST")
	}
	if event.PeerID != "p" {
		t.Errorf("PeerID = %q, want %q", event.PeerID, "p")
	}
	if event.ActorID != "a" {
		t.Errorf("ActorID = %q, want %q", event.ActorID, "a")
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
