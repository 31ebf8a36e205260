package model

import (
	"fmt"
	"strings"
)

// Source records where a resolved field came from.
type Source string

const (
	SourceRequested Source = "requested"
	SourceInferred  Source = "inferred"
	SourceDefault   Source = "default"
)

// ResolvedTarget is a validated provider/model pair.
// Only Resolver constructs non-zero values.
type ResolvedTarget struct {
	provider       ProviderID
	modelID        string
	providerSource Source
	modelSource    Source
}

func (t ResolvedTarget) Provider() ProviderID   { return t.provider }
func (t ResolvedTarget) ModelID() string        { return t.modelID }
func (t ResolvedTarget) ProviderSource() Source { return t.providerSource }
func (t ResolvedTarget) ModelSource() Source    { return t.modelSource }
func (t ResolvedTarget) IsZero() bool           { return t.provider == "" }

func (t ResolvedTarget) String() string {
	return fmt.Sprintf("%s/%s", t.provider, t.modelID)
}

// Resolver turns an optional (model id, provider) pair into a ResolvedTarget.
// It is pure: the catalog is immutable and no I/O happens here.
type Resolver struct {
	catalog *Catalog
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Catalog returns the catalog the resolver validates against.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Resolve applies, in order: explicit provider, provider inferred from the
// model id (first match in catalog order), the default provider. A missing
// model id falls back to the provider's default model. The result is
// validated against the catalog.
func (r *Resolver) Resolve(modelID, provider string, defaultProvider ProviderID) (ResolvedTarget, error) {
	reqModel := strings.TrimSpace(modelID)
	reqProvider := strings.TrimSpace(provider)

	t := ResolvedTarget{modelID: reqModel}
	fail := func(reason string) (ResolvedTarget, error) {
		return ResolvedTarget{}, &ResolutionError{
			RequestedModelID:  modelID,
			RequestedProvider: provider,
			Provider:          t.provider,
			ModelID:           t.modelID,
			Reason:            reason,
		}
	}

	switch {
	case reqProvider != "":
		t.provider, t.providerSource = ParseProviderID(reqProvider), SourceRequested
	case reqModel != "":
		p, ok := r.catalog.ProviderForModel(reqModel)
		if !ok {
			return fail("model is not registered under any provider")
		}
		t.provider, t.providerSource = p, SourceInferred
	default:
		t.provider, t.providerSource = defaultProvider, SourceDefault
	}

	if !r.catalog.HasProvider(t.provider) {
		return fail("provider is not registered")
	}

	if t.modelID == "" {
		def, _ := r.catalog.DefaultModel(t.provider)
		t.modelID, t.modelSource = def, SourceDefault
	} else {
		t.modelSource = SourceRequested
	}

	if !r.catalog.HasModel(t.provider, t.modelID) {
		return fail("model does not belong to provider")
	}
	return t, nil
}
