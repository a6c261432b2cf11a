package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const (
	ContentType            = "application/activity+json"
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// Kind is an activity type.
type Kind string

const (
	KindFollow   Kind = "Follow"
	KindAccept   Kind = "Accept"
	KindReject   Kind = "Reject"
	KindCreate   Kind = "Create"
	KindUpdate   Kind = "Update"
	KindDelete   Kind = "Delete"
	KindLike     Kind = "Like"
	KindAnnounce Kind = "Announce"
	KindUndo     Kind = "Undo"
)

// actorTypes are the object types treated as actors by Update and Delete.
var actorTypes = map[string]bool{
	"Person": true, "Service": true, "Application": true, "Group": true, "Organization": true,
}

// Envelope holds the fields every activity carries.
type Envelope struct {
	Context   any         `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      Kind        `json:"type"`
	Actor     string      `json:"actor"`
	Published *time.Time  `json:"published,omitempty"`
	To        domain.IRIs `json:"to,omitempty"`
	Cc        domain.IRIs `json:"cc,omitempty"`
	Bto       domain.IRIs `json:"bto,omitempty"`
	Bcc       domain.IRIs `json:"bcc,omitempty"`

	raw json.RawMessage
}

func (e *Envelope) Header() *Envelope { return e }
func (e *Envelope) activity()         {}

// Raw is the body the activity was parsed from, nil for locally built ones.
func (e *Envelope) Raw() json.RawMessage { return e.raw }

// Addressed returns every IRI in to, cc, bto and bcc.
func (e *Envelope) Addressed() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bto)+len(e.Bcc))
	for _, l := range []domain.IRIs{e.To, e.Cc, e.Bto, e.Bcc} {
		out = append(out, l...)
	}
	return out
}

// Activity is one of *Follow, *Accept, *Reject, *Create, *Update, *Delete,
// *Like, *Announce, *Undo or *Unsupported.
type Activity interface {
	Header() *Envelope
	activity()
}

// ObjectIRI is an object reference given either as an IRI or as an embedded
// object with an id.
type ObjectIRI string

func (o *ObjectIRI) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*o = ObjectIRI(s)
		return nil
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &embedded); err != nil {
		return fmt.Errorf("object must be an IRI or an object with an id: %w", err)
	}
	*o = ObjectIRI(embedded.ID)
	return nil
}

// Ref is the object of Accept, Reject and Undo: a reference to another
// activity, either by IRI or embedded.
type Ref struct {
	ID     string
	Type   Kind
	Actor  string
	Object string
	// Embedded is set when the activity was embedded rather than referenced.
	Embedded bool
}

type refJSON struct {
	ID     string    `json:"id,omitempty"`
	Type   Kind      `json:"type,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	Object ObjectIRI `json:"object,omitempty"`
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = Ref{ID: s}
		return nil
	}
	var v refJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("object must be an IRI or an activity: %w", err)
	}
	*r = Ref{ID: v.ID, Type: v.Type, Actor: v.Actor, Object: string(v.Object), Embedded: true}
	return nil
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if !r.Embedded {
		return json.Marshal(r.ID)
	}
	return json.Marshal(refJSON{ID: r.ID, Type: r.Type, Actor: r.Actor, Object: ObjectIRI(r.Object)})
}

type Follow struct {
	Envelope
	Object ObjectIRI `json:"object"`
}

type Accept struct {
	Envelope
	Object Ref `json:"object"`
}

type Reject struct {
	Envelope
	Object Ref `json:"object"`
}

type Undo struct {
	Envelope
	Object Ref `json:"object"`
}

type Create struct {
	Envelope
	Object *domain.Object `json:"object"`
}

type Update struct {
	Envelope
	Object *domain.Object `json:"object"`
}

type Delete struct {
	Envelope
	Object ObjectIRI `json:"object"`
}

type Like struct {
	Envelope
	Object ObjectIRI `json:"object"`
}

type Announce struct {
	Envelope
	Object ObjectIRI `json:"object"`
}

// Unsupported is any activity type outside the set above. It is accepted and
// stored but has no effect.
type Unsupported struct {
	Envelope
}

// ParseActivity decodes an activity body into its concrete type. Malformed
// JSON and undecodable objects are ErrBadActivity.
func ParseActivity(body []byte) (Activity, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadActivity, err)
	}

	var a Activity
	switch env.Type {
	case KindFollow:
		a = &Follow{}
	case KindAccept:
		a = &Accept{}
	case KindReject:
		a = &Reject{}
	case KindUndo:
		a = &Undo{}
	case KindCreate:
		a = &Create{}
	case KindUpdate:
		a = &Update{}
	case KindDelete:
		a = &Delete{}
	case KindLike:
		a = &Like{}
	case KindAnnounce:
		a = &Announce{}
	default:
		a = &Unsupported{}
	}
	if err := json.Unmarshal(body, a); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrBadActivity, env.Type, err)
	}
	a.Header().raw = bytes.Clone(body)
	return a, nil
}

// Marshal encodes a for delivery. bto and bcc are never sent.
func Marshal(a Activity) ([]byte, error) {
	h := a.Header()
	bto, bcc := h.Bto, h.Bcc
	h.Bto, h.Bcc = nil, nil
	defer func() { h.Bto, h.Bcc = bto, bcc }()
	return json.Marshal(a)
}

// objectOf returns the IRI of the activity's object.
func objectOf(a Activity) string {
	switch v := a.(type) {
	case *Follow:
		return string(v.Object)
	case *Accept:
		return v.Object.ID
	case *Reject:
		return v.Object.ID
	case *Undo:
		return v.Object.ID
	case *Create:
		if v.Object != nil {
			return v.Object.ID
		}
	case *Update:
		if v.Object != nil {
			return v.Object.ID
		}
	case *Delete:
		return string(v.Object)
	case *Like:
		return string(v.Object)
	case *Announce:
		return string(v.Object)
	}
	return ""
}
