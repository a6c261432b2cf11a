package domain

import (
	"time"
)

const TombstoneType = "Tombstone"

// Object is a content object such as a Note. Likes is keyed by the liking
// actor so a repeated Like is counted once.
type Object struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	AttributedTo string            `json:"attributedTo,omitempty"`
	Content      string            `json:"content,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
	URL          string            `json:"url,omitempty"`
	To           IRIs              `json:"to,omitempty"`
	Cc           IRIs              `json:"cc,omitempty"`
	Published    *time.Time        `json:"published,omitempty"`
	Updated      *time.Time        `json:"updated,omitempty"`
	Likes        map[string]string `json:"likes,omitempty"`
	FormerType   string            `json:"formerType,omitempty"`
	Deleted      *time.Time        `json:"deleted,omitempty"`
}

func (o *Object) IsTombstone() bool {
	return o.Type == TombstoneType
}

// LikeCount is the number of distinct actors that currently like the object.
func (o *Object) LikeCount() int {
	return len(o.Likes)
}

// Tombstone replaces the object's content with a deletion marker.
func (o *Object) Tombstone(at time.Time) {
	if o.IsTombstone() {
		return
	}
	o.FormerType = o.Type
	o.Type = TombstoneType
	o.Content = ""
	o.Summary = ""
	o.Likes = nil
	o.Deleted = &at
}

// Collection is an ordered set of IRIs.
type Collection struct {
	Owner string   `json:"owner"`
	Items []string `json:"items"`
}

// Add appends iri unless present. It reports whether the collection changed.
func (c *Collection) Add(iri string) bool {
	for _, it := range c.Items {
		if it == iri {
			return false
		}
	}
	c.Items = append(c.Items, iri)
	return true
}

// Remove drops iri. It reports whether the collection changed.
func (c *Collection) Remove(iri string) bool {
	for i, it := range c.Items {
		if it == iri {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return true
		}
	}
	return false
}

// Boost is one Announce of an object.
type Boost struct {
	Actor      string    `json:"actor"`
	ActivityID string    `json:"activityId"`
	At         time.Time `json:"at"`
}

// AnnounceSet holds boosts of an object keyed by the announcing actor.
type AnnounceSet struct {
	Object string           `json:"object"`
	Boosts map[string]Boost `json:"boosts"`
}
