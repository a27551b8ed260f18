package models

import "strings"

// MaxTopK caps the number of results a single retrieval may ask for.
const MaxTopK = 100

// RetrieveRequest is the body of POST /api/v1/retrieve.
type RetrieveRequest struct {
	Query      string `json:"query" validate:"required"`
	TopK       int    `json:"top_k,omitempty" validate:"gte=0,lte=100"`
	Collection string `json:"collection,omitempty"`
}

// Normalize trims the query and collection fields in place.
func (r *RetrieveRequest) Normalize() {
	r.Query = strings.TrimSpace(r.Query)
	r.Collection = strings.TrimSpace(r.Collection)
}

// IngestTextRequest is the body of POST /api/v1/ingest/text.
type IngestTextRequest struct {
	Source string `json:"source" validate:"required,max=255"`
	Text   string `json:"text" validate:"required"`
}

// IngestURLRequest is the body of POST /api/v1/ingest/url.
type IngestURLRequest struct {
	URL string `json:"url" validate:"required,url"`
}
