package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/gin-gonic/gin"
)

const jrdContentType = "application/jrd+json; charset=utf-8"

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

// webfingerUser extracts the username from an acct: resource or a local
// actor IRI. It returns "" when the resource does not name this host.
func (s *Server) webfingerUser(resource string) string {
	if rest, ok := strings.CutPrefix(resource, "acct:"); ok {
		user, host, found := strings.Cut(strings.TrimPrefix(rest, "@"), "@")
		if !found || !strings.EqualFold(host, s.domain) {
			return ""
		}
		return user
	}
	if user, ok := strings.CutPrefix(resource, s.directory.BaseURL()+"/users/"); ok && !strings.Contains(user, "/") {
		return user
	}
	return ""
}

func (s *Server) handleWebfinger(c *gin.Context) {
	user := s.webfingerUser(c.Query("resource"))
	if user == "" {
		c.Data(http.StatusNotFound, jrdContentType, webfingerNotFound)
		return
	}
	actor, err := s.directory.Lookup(c.Request.Context(), user)
	if err != nil {
		if StatusFor(err) == http.StatusNotFound {
			c.Data(http.StatusNotFound, jrdContentType, webfingerNotFound)
			return
		}
		s.fail(c, err)
		return
	}

	b, err := json.Marshal(&webfingerResponse{
		Subject: "acct:" + actor.Username + "@" + s.domain,
		Aliases: []string{actor.ID},
		Links: []webfingerLink{{
			Rel:  "self",
			Type: activitypub.ContentType,
			Href: actor.ID,
		}},
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, jrdContentType, b)
}

var webfingerNotFound = []byte(`{"detail":"Not Found"}`)
