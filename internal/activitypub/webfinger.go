package activitypub

import (
	"fmt"
	"strings"
)

// WebfingerResponse is the JRD returned from GET /.well-known/webfinger.
type WebfingerResponse struct {
	Subject string           `json:"subject"`
	Aliases []string         `json:"aliases,omitempty"`
	Links   []WebfingerLink  `json:"links"`
}

// WebfingerLink is one entry in a WebfingerResponse's links array.
type WebfingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NewWebfingerResponse builds the JRD for a local actor, pointing "self" at
// the actor document and "http://webfinger.net/rel/profile-page" at the HTML
// profile. No remote-follow subscribe template link is emitted.
func NewWebfingerResponse(acct, actorURL, profileURL string) WebfingerResponse {
	return WebfingerResponse{
		Subject: acct,
		Aliases: []string{actorURL, profileURL},
		Links: []WebfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURL},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: profileURL},
		},
	}
}

// ParseAcct splits an "acct:user@domain" resource into (user, domain).
// It also accepts a bare "user@domain" for robustness against clients that
// omit the scheme.
func ParseAcct(resource string) (user, domain string, err error) {
	trimmed := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(trimmed, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("activitypub: malformed webfinger resource %q", resource)
	}
	return parts[0], parts[1], nil
}
