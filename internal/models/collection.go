// Package models defines the data structures shared by the catalog, the HTTP API and the CLI.
package models

import "time"

// Collection kinds recorded in the catalog.
const (
	KindFile = "file"
	KindURL  = "url"
	KindText = "text"
)

// CollectionInfo is a catalog row describing one ingested collection.
type CollectionInfo struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Folder     string    `json:"folder" db:"folder"`
	Source     string    `json:"source" db:"source"`
	Kind       string    `json:"kind" db:"kind"`
	Chunks     int       `json:"chunks" db:"chunks"`
	Dimensions int       `json:"dimensions" db:"dimensions"`
	Model      string    `json:"model" db:"model"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CollectionList is the response for listing collections.
type CollectionList struct {
	Collections []*CollectionInfo `json:"collections"`
	Total       int64             `json:"total"`
}
