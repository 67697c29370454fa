// Package handlers implements the client and admin HTTP surfaces (§6).
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aulendur/cortex/internal/cortexerr"
	"github.com/aulendur/cortex/internal/proxy"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/pkg/models"
)

// Client serves the three OpenAI-shaped inference routes plus the
// read-only model list (§6.1).
type Client struct {
	proxy    *proxy.Proxy
	registry *registry.Registry
}

// NewClient builds the client-surface handler group.
func NewClient(p *proxy.Proxy, reg *registry.Registry) *Client {
	return &Client{proxy: p, registry: reg}
}

// ChatCompletions serves POST /v1/chat/completions.
func (c *Client) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	c.proxy.Handle(w, r, "/v1/chat/completions", models.TaskGenerate)
}

// Completions serves POST /v1/completions.
func (c *Client) Completions(w http.ResponseWriter, r *http.Request) {
	c.proxy.Handle(w, r, "/v1/completions", models.TaskGenerate)
}

// Embeddings serves POST /v1/embeddings.
func (c *Client) Embeddings(w http.ResponseWriter, r *http.Request) {
	c.proxy.Handle(w, r, "/v1/embeddings", models.TaskEmbed)
}

// modelListEntry is the public shape of one served name in GET /v1/models,
// matching the OpenAI models-list response convention.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels serves GET /v1/models: the served names currently registered
// in the upstream registry, regardless of which Model declarations back
// them — this is what a client can actually address, not the admin
// Model CRUD view.
func (c *Client) ListModels(w http.ResponseWriter, r *http.Request) {
	names := c.registry.ServedNames()
	entries := make([]modelListEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, modelListEntry{ID: n, Object: "model", OwnedBy: "cortex"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   entries,
	})
}

// writeError is a small shared helper so handlers that don't already hold
// a *cortexerr.Error (e.g. a decode failure) can respond consistently.
func writeError(w http.ResponseWriter, kind cortexerr.Kind, msg string) {
	cortexerr.WriteJSON(w, cortexerr.New(kind, msg))
}
