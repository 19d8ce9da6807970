package knowledge

import (
	"errors"
	"time"
)

var (
	// ErrEmptyQuery indicates an empty search query.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrEmptyContent indicates a document with no content.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrEmbeddingFailed indicates the embedder returned no usable vector.
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// Document is one indexed chunk of wiki content.
type Document struct {
	ID         int64
	DocumentID int64
	SiteID     int64
	Title      string
	Content    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Match is a search hit with its raw cosine distance. Callers convert
// distance to similarity (1 - distance) when they need a score.
type Match struct {
	Document
	Distance float64
}
