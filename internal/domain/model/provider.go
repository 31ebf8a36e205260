// Package model defines the model provider domain: the catalog of providers
// and models, chat requests, target resolution and the backend contract.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderID identifies a model provider.
type ProviderID string

const (
	ProviderOpenAI ProviderID = "openai"
	ProviderGemini ProviderID = "gemini"
	ProviderClaude ProviderID = "claude"
	ProviderGrok   ProviderID = "grok"
)

// ParseProviderID normalizes a user supplied provider name.
func ParseProviderID(s string) ProviderID {
	return ProviderID(strings.ToLower(strings.TrimSpace(s)))
}

// Model represents an AI model.
type Model struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Provider     ProviderID `json:"-"`
	Capabilities []string   `json:"capabilities,omitempty"` // e.g., "vision", "reasoning"
}

// ProviderEntry is one provider with its ordered models and its default.
type ProviderEntry struct {
	ID           ProviderID
	Models       []Model
	DefaultModel string
}

// Catalog is the immutable registry of providers and models.
// Insertion order is preserved for listing and for model-id lookups.
type Catalog struct {
	providers []ProviderEntry
	index     map[ProviderID]int
}

// NewCatalog builds a catalog. A model id may belong to only one provider.
func NewCatalog(entries ...ProviderEntry) (*Catalog, error) {
	c, err := buildCatalog(entries)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]ProviderID)
	for _, p := range c.providers {
		for _, m := range p.Models {
			if owner, dup := seen[m.ID]; dup {
				return nil, fmt.Errorf("model %q listed under both %s and %s", m.ID, owner, p.ID)
			}
			seen[m.ID] = p.ID
		}
	}
	return c, nil
}

// NewCatalogAllowDuplicates builds a catalog that tolerates a model id under
// several providers. Lookups by model id return the first provider in
// insertion order.
func NewCatalogAllowDuplicates(entries ...ProviderEntry) (*Catalog, error) {
	return buildCatalog(entries)
}

func buildCatalog(entries []ProviderEntry) (*Catalog, error) {
	c := &Catalog{index: make(map[ProviderID]int, len(entries))}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("provider id is empty")
		}
		if _, dup := c.index[e.ID]; dup {
			return nil, fmt.Errorf("provider %s registered twice", e.ID)
		}
		if len(e.Models) == 0 {
			return nil, fmt.Errorf("provider %s has no models", e.ID)
		}
		models := make([]Model, len(e.Models))
		copy(models, e.Models)
		for i := range models {
			models[i].Provider = e.ID
			if models[i].Name == "" {
				models[i].Name = models[i].ID
			}
		}
		entry := ProviderEntry{ID: e.ID, Models: models, DefaultModel: e.DefaultModel}
		if !containsModel(models, entry.DefaultModel) {
			entry.DefaultModel = models[0].ID
		}
		c.index[e.ID] = len(c.providers)
		c.providers = append(c.providers, entry)
	}
	return c, nil
}

func containsModel(models []Model, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Providers returns provider ids in insertion order.
func (c *Catalog) Providers() []ProviderID {
	ids := make([]ProviderID, 0, len(c.providers))
	for _, p := range c.providers {
		ids = append(ids, p.ID)
	}
	return ids
}

// HasProvider reports whether the provider is known.
func (c *Catalog) HasProvider(p ProviderID) bool {
	_, ok := c.index[p]
	return ok
}

// Models returns a copy of the provider's models.
func (c *Catalog) Models(p ProviderID) ([]Model, bool) {
	i, ok := c.index[p]
	if !ok {
		return nil, false
	}
	out := make([]Model, len(c.providers[i].Models))
	copy(out, c.providers[i].Models)
	return out, true
}

// HasModel reports whether modelID is listed under provider p.
func (c *Catalog) HasModel(p ProviderID, modelID string) bool {
	i, ok := c.index[p]
	if !ok {
		return false
	}
	return containsModel(c.providers[i].Models, modelID)
}

// DefaultModel returns the provider's default model id.
func (c *Catalog) DefaultModel(p ProviderID) (string, bool) {
	i, ok := c.index[p]
	if !ok {
		return "", false
	}
	return c.providers[i].DefaultModel, true
}

// ProviderForModel finds the first provider, in insertion order, listing modelID.
func (c *Catalog) ProviderForModel(modelID string) (ProviderID, bool) {
	for _, p := range c.providers {
		if containsModel(p.Models, modelID) {
			return p.ID, true
		}
	}
	return "", false
}

// FindModel finds a model by ID across all providers.
func (c *Catalog) FindModel(modelID string) (Model, bool) {
	for _, p := range c.providers {
		for _, m := range p.Models {
			if m.ID == modelID {
				return m, true
			}
		}
	}
	return Model{}, false
}

// MarshalJSON renders {provider: {model_id: display_name}} keeping both
// provider and model order.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range c.providers {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, string(p.ID)); err != nil {
			return nil, err
		}
		buf.WriteByte('{')
		for j, m := range p.Models {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeKey(&buf, m.ID); err != nil {
				return nil, err
			}
			name, err := json.Marshal(m.Name)
			if err != nil {
				return nil, err
			}
			buf.Write(name)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	return nil
}
