package engine

import (
	"time"

	"github.com/roomline/msgcache/internal/models"
)

// Provenance tells where the records of a page came from
type Provenance string

const (
	// ProvenanceCache means every record came from the cache
	ProvenanceCache Provenance = "cache"
	// ProvenanceHybrid means cached records were completed from the durable store
	ProvenanceHybrid Provenance = "hybrid"
	// ProvenanceDurable means every record came from the durable store
	ProvenanceDurable Provenance = "durable"
	// ProvenanceDurableBackfilled is ProvenanceDurable after the records were
	// written back into an empty cache
	ProvenanceDurableBackfilled Provenance = "durable_backfilled"
)

// Page is one read result, oldest message first
type Page struct {
	Messages   []models.Message `json:"messages"`
	Provenance Provenance       `json:"provenance"`
	Paginated  bool             `json:"paginated"`
	// HasMore is only computed when RequireHistoryCheck is set
	HasMore *bool `json:"has_more,omitempty"`
}

type pageOptions struct {
	before       *time.Time
	historyCheck bool
}

// PageOption tunes GetPage
type PageOption func(*pageOptions)

// Before restricts the page to messages created strictly before t
func Before(t time.Time) PageOption {
	return func(o *pageOptions) {
		o.before = &t
	}
}

// RequireHistoryCheck asks the durable store whether older messages exist
// even when the cache fully served the page.
func RequireHistoryCheck() PageOption {
	return func(o *pageOptions) {
		o.historyCheck = true
	}
}
