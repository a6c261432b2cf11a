package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
)

const (
	nodeInfoSchema      = "http://nodeinfo.diaspora.software/ns/schema/2.0"
	nodeInfoContentType = `application/json; profile="` + nodeInfoSchema + `#"`
	xrdContentType      = "application/xrd+xml; charset=utf-8"
)

type nodeInfoLinks struct {
	Links []webfingerLink `json:"links"`
}

type nodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type nodeInfoUsage struct {
	Users struct {
		Total int `json:"total"`
	} `json:"users"`
}

type nodeInfo struct {
	Version           string           `json:"version"`
	Software          nodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          nodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             nodeInfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

func (s *Server) handleNodeInfoLinks(c *gin.Context) {
	b, err := json.Marshal(&nodeInfoLinks{Links: []webfingerLink{{
		Rel:  nodeInfoSchema,
		Href: s.directory.BaseURL() + "/nodeinfo/2.0",
	}}})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, jrdContentType, b)
}

// handleNodeInfo reports the local actor count as the user total.
func (s *Server) handleNodeInfo(c *gin.Context) {
	actors, err := s.directory.Actors(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	info := nodeInfo{
		Version:   "2.0",
		Software:  nodeInfoSoftware{Name: util.Name, Version: util.GetVersion()},
		Protocols: []string{"activitypub"},
		Services:  nodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		Metadata:  map[string]any{},
	}
	info.Usage.Users.Total = len(actors)

	b, err := json.Marshal(&info)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, nodeInfoContentType, b)
}

func (s *Server) handleHostMeta(c *gin.Context) {
	body := fmt.Sprintf(`<?xml version="1.0"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" type="application/xrd+xml" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>
`, s.directory.BaseURL())
	c.Data(http.StatusOK, xrdContentType, []byte(body))
}
