// Package knowledge provides vector similarity search over indexed wiki
// content stored in PostgreSQL with pgvector.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/catwiki/catchat/internal/log"
)

const (
	// VectorDimension is the embedding dimension of the pgvector schema.
	VectorDimension = 768

	defaultSearchLimit = 5
	searchTimeout      = 5 * time.Second
)

// Store performs similarity search and maintenance over knowledge_documents.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   log.Logger
}

// NewStore creates a knowledge store.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger) *Store {
	return &Store{
		pool:     pool,
		embedder: embedder,
		logger:   logger.With("component", "knowledge"),
	}
}

// SearchOption customizes a Search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	limit  int
	siteID int64
}

// WithLimit sets the maximum number of matches returned.
func WithLimit(n int) SearchOption {
	return func(o *searchOptions) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithSiteFilter restricts matches to one site. Zero means all sites.
func WithSiteFilter(siteID int64) SearchOption {
	return func(o *searchOptions) { o.siteID = siteID }
}

// Search embeds the query and returns the nearest documents by cosine
// distance, closest first. The site filter is applied server-side so the
// limit is not consumed by out-of-scope rows.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	o := searchOptions{limit: defaultSearchLimit}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := s.embedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, site_id, title, content, metadata, created_at,
		       embedding <=> $1 AS distance
		FROM knowledge_documents
		WHERE ($2::bigint = 0 OR site_id = $2)
		ORDER BY embedding <=> $1
		LIMIT $3`,
		vec, o.siteID, o.limit)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge documents: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.SiteID, &m.Title, &m.Content,
			&meta, &m.CreatedAt, &m.Distance); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				s.logger.Warn("skipping malformed document metadata", "id", m.ID, "error", err)
				m.Metadata = nil
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading matches: %w", err)
	}

	return matches, nil
}

// Add indexes one chunk of content. Used by maintenance tooling and tests;
// bulk ingestion runs outside this service.
func (s *Store) Add(ctx context.Context, doc Document) (int64, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return 0, ErrEmptyContent
	}

	vec, err := s.embedText(ctx, doc.Content)
	if err != nil {
		return 0, fmt.Errorf("embedding content: %w", err)
	}

	meta := doc.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshaling metadata: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO knowledge_documents (document_id, site_id, title, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		doc.DocumentID, doc.SiteID, doc.Title, doc.Content, metaJSON, vec).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting knowledge document: %w", err)
	}

	return id, nil
}

// DeleteByDocument removes all chunks of a source document, optionally
// scoped to a site. Returns the number of rows removed.
func (s *Store) DeleteByDocument(ctx context.Context, documentID, siteID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM knowledge_documents
		WHERE document_id = $1 AND ($2::bigint = 0 OR site_id = $2)`,
		documentID, siteID)
	if err != nil {
		return 0, fmt.Errorf("deleting knowledge documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of indexed chunks, optionally scoped to a site.
func (s *Store) Count(ctx context.Context, siteID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM knowledge_documents
		WHERE ($1::bigint = 0 OR site_id = $1)`, siteID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting knowledge documents: %w", err)
	}
	return n, nil
}

// embedText produces the pgvector value for a text, truncating to the
// schema dimension when the embedder returns a longer vector.
func (s *Store) embedText(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, ErrEmbeddingFailed
	}

	emb := resp.Embeddings[0].Embedding
	if len(emb) < VectorDimension {
		return pgvector.Vector{}, fmt.Errorf("%w: got %d dimensions, need %d",
			ErrEmbeddingFailed, len(emb), VectorDimension)
	}
	// Matryoshka-style embedders front-load information; truncation to the
	// schema dimension is the documented downscaling path.
	return pgvector.NewVector(emb[:VectorDimension]), nil
}
