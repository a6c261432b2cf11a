package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const itemsPerPage = 20

// OrderedCollection is an ActivityStreams collection or collection page.
type OrderedCollection struct {
	Context      any    `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	First        string `json:"first,omitempty"`
	Next         string `json:"next,omitempty"`
	PartOf       string `json:"partOf,omitempty"`
	OrderedItems []any  `json:"orderedItems,omitempty"`
}

func (s *Server) renderJSON(c *gin.Context, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to encode response", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, activityContentType, b)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= 500 {
		s.log.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": publicMessage(err)})
}

func (s *Server) handleActor(c *gin.Context) {
	doc, err := s.directory.Document(c.Request.Context(), c.Param("actor"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.renderJSON(c, http.StatusOK, doc)
}

func (s *Server) handleFollowers(c *gin.Context) {
	ctx := c.Request.Context()
	actor, err := s.directory.Lookup(ctx, c.Param("actor"))
	if err != nil {
		s.fail(c, err)
		return
	}
	set, _, err := db.GetJSON[domain.FollowerSet](ctx, s.store, db.FollowersKey(actor.ID))
	if err != nil {
		s.fail(c, err)
		return
	}
	accepted := set.Accepted()
	items := make([]any, len(accepted))
	for i, f := range accepted {
		items[i] = f
	}
	s.renderCollection(c, actor.Followers, items)
}

// handleOutbox serves the actor's published activities, newest first.
func (s *Server) handleOutbox(c *gin.Context) {
	ctx := c.Request.Context()
	actor, err := s.directory.Lookup(ctx, c.Param("actor"))
	if err != nil {
		s.fail(c, err)
		return
	}
	col, _, err := db.GetJSON[domain.Collection](ctx, s.store, db.OutboxKey(actor.ID))
	if err != nil {
		s.fail(c, err)
		return
	}
	var ids []string
	if col != nil {
		ids = col.Items
	}
	items := make([]any, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		items = append(items, ids[i])
	}
	s.renderCollection(c, actor.Outbox, items)
}

// renderCollection answers with the collection summary, or with the page
// selected by ?page=N.
func (s *Server) renderCollection(c *gin.Context, id string, items []any) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page <= 0 {
		col := &OrderedCollection{
			Context:    activitypub.ActivityStreamsContext,
			ID:         id,
			Type:       "OrderedCollection",
			TotalItems: len(items),
		}
		if len(items) > 0 {
			col.First = fmt.Sprintf("%s?page=1", id)
		}
		s.renderJSON(c, http.StatusOK, col)
		return
	}

	start := min((page-1)*itemsPerPage, len(items))
	end := min(start+itemsPerPage, len(items))
	p := &OrderedCollection{
		Context:      activitypub.ActivityStreamsContext,
		ID:           fmt.Sprintf("%s?page=%d", id, page),
		Type:         "OrderedCollectionPage",
		TotalItems:   len(items),
		PartOf:       id,
		OrderedItems: items[start:end],
	}
	if end < len(items) {
		p.Next = fmt.Sprintf("%s?page=%d", id, page+1)
	}
	s.renderJSON(c, http.StatusOK, p)
}

type tombstone struct {
	Context    string     `json:"@context"`
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	FormerType string     `json:"formerType,omitempty"`
	Deleted    *time.Time `json:"deleted,omitempty"`
}

func (s *Server) handleObject(c *gin.Context) {
	iri := s.directory.BaseURL() + "/objects/" + c.Param("id")
	obj, ok, err := db.GetJSON[domain.Object](c.Request.Context(), s.store, db.ObjectKey(iri))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	if obj.IsTombstone() {
		s.renderJSON(c, http.StatusGone, &tombstone{
			Context:    activitypub.ActivityStreamsContext,
			ID:         obj.ID,
			Type:       domain.TombstoneType,
			FormerType: obj.FormerType,
			Deleted:    obj.Deleted,
		})
		return
	}
	s.renderJSON(c, http.StatusOK, newObjectDocument(obj))
}

// objectDocument is the served form of a local object. Likes are published
// as a count only.
type objectDocument struct {
	Context      string             `json:"@context"`
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	AttributedTo string             `json:"attributedTo,omitempty"`
	Content      string             `json:"content,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	InReplyTo    string             `json:"inReplyTo,omitempty"`
	URL          string             `json:"url,omitempty"`
	To           domain.IRIs        `json:"to,omitempty"`
	Cc           domain.IRIs        `json:"cc,omitempty"`
	Published    *time.Time         `json:"published,omitempty"`
	Updated      *time.Time         `json:"updated,omitempty"`
	Likes        *OrderedCollection `json:"likes,omitempty"`
}

func newObjectDocument(o *domain.Object) *objectDocument {
	doc := &objectDocument{
		Context:      activitypub.ActivityStreamsContext,
		ID:           o.ID,
		Type:         o.Type,
		AttributedTo: o.AttributedTo,
		Content:      o.Content,
		Summary:      o.Summary,
		InReplyTo:    o.InReplyTo,
		URL:          o.URL,
		To:           o.To,
		Cc:           o.Cc,
		Published:    o.Published,
		Updated:      o.Updated,
	}
	if n := o.LikeCount(); n > 0 {
		doc.Likes = &OrderedCollection{ID: o.ID + "/likes", Type: "Collection", TotalItems: n}
	}
	return doc
}
