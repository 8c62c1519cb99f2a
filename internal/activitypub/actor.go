package activitypub

// Actor is the subset of an ActivityStreams actor document this node emits
// and consumes: a Person actor with an inbox/outbox pair, a public key for
// HTTP Signatures, and a fedi3 overlay endpoint for P2P discovery.
type Actor struct {
	Context           []string  `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox"`
	Followers         string    `json:"followers,omitempty"`
	Following         string    `json:"following,omitempty"`
	PublicKey         PublicKey `json:"publicKey"`
	Endpoints         Endpoints `json:"endpoints,omitempty"`
}

// PublicKey is the actor's HTTP-Signature verification key, PEM-encoded.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints carries the node's fedi3-specific overlay contact info alongside
// the standard sharedInbox, so peers discovering an actor over ActivityPub
// can bootstrap a P2P connection to the same node.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
	Fedi3       string `json:"fedi3,omitempty"`
}

const ActorContextPrimary = "https://www.w3.org/ns/activitystreams"
const ActorContextSecurity = "https://w3id.org/security/v1"

// NewActor builds the canonical actor document for a local user.
func NewActor(id, username, publicKeyPEM, sharedInbox, overlayMultiaddr string) Actor {
	return Actor{
		Context:           []string{ActorContextPrimary, ActorContextSecurity},
		ID:                id,
		Type:              "Person",
		PreferredUsername: username,
		Inbox:             id + "/inbox",
		Outbox:             id + "/outbox",
		Followers:         id + "/followers",
		Following:         id + "/following",
		PublicKey: PublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: publicKeyPEM,
		},
		Endpoints: Endpoints{
			SharedInbox: sharedInbox,
			Fedi3:       overlayMultiaddr,
		},
	}
}
