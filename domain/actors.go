package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// IRIs is a list of IRIs that also accepts a single JSON string, as remote
// servers send "to": "https://..." as often as "to": ["https://..."].
type IRIs []string

func (l *IRIs) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*l = nil
		} else {
			*l = IRIs{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected IRI or list of IRIs: %w", err)
	}
	*l = many
	return nil
}

// PublicKey is a public key published in an actor document.
type PublicKey struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	PublicKeyPem string     `json:"publicKeyPem"`
	RetiredAt    *time.Time `json:"retiredAt,omitempty"`
}

// Actor is a local or cached remote actor. Local actors are authoritative;
// remote ones carry FetchedAt and are re-validated against a TTL.
type Actor struct {
	ID                        string      `json:"id"`
	Type                      string      `json:"type"`
	Username                  string      `json:"preferredUsername"`
	DisplayName               string      `json:"name,omitempty"`
	Summary                   string      `json:"summary,omitempty"`
	Inbox                     string      `json:"inbox"`
	Outbox                    string      `json:"outbox,omitempty"`
	Followers                 string      `json:"followers,omitempty"`
	Following                 string      `json:"following,omitempty"`
	SharedInbox               string      `json:"sharedInbox,omitempty"`
	ManuallyApprovesFollowers bool        `json:"manuallyApprovesFollowers,omitempty"`
	PublicKeys                []PublicKey `json:"publicKeys,omitempty"`
	Local                     bool        `json:"local"`
	CreatedAt                 time.Time   `json:"createdAt"`
	FetchedAt                 time.Time   `json:"fetchedAt,omitempty"`
}

// DeliveryInbox returns the shared inbox when the actor's server advertises
// one, otherwise the actor's own inbox.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

// Key returns the published key with the given id.
func (a *Actor) Key(keyID string) (*PublicKey, bool) {
	for i := range a.PublicKeys {
		if a.PublicKeys[i].ID == keyID {
			return &a.PublicKeys[i], true
		}
	}
	return nil, false
}
