package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/catwiki/catchat/internal/log"
)

// rerankTimeout bounds a single rerank round trip. Worst case it adds
// this much latency to a turn before the fallback kicks in.
const rerankTimeout = 30 * time.Second

// RerankConfig is the live reranker endpoint configuration.
type RerankConfig struct {
	BaseURL string `json:"rerank_base_url"`
	APIKey  string `json:"rerank_api_key"`
	Model   string `json:"rerank_model"`
}

func (c RerankConfig) enabled() bool {
	return c.BaseURL != "" && c.Model != ""
}

// ConfigSource supplies the current reranker configuration. It is
// consulted before every call so credential updates apply without a
// restart.
type ConfigSource interface {
	RerankConfig(ctx context.Context) (RerankConfig, error)
}

// Reranker reorders candidates through an external cross-encoder service
// speaking the common POST /rerank protocol.
//
// The reranker is strictly best-effort: any failure (config, transport,
// malformed response) falls back to the first topN candidates in their
// original vector order.
type Reranker struct {
	client *http.Client
	source ConfigSource
	logger log.Logger
}

// NewReranker creates a reranker backed by the given config source.
func NewReranker(source ConfigSource, logger log.Logger) *Reranker {
	return &Reranker{
		client: &http.Client{Timeout: rerankTimeout},
		source: source,
		logger: logger.With("component", "reranker"),
	}
}

// Enabled reports whether reranking is currently configured.
func (r *Reranker) Enabled(ctx context.Context) bool {
	cfg, err := r.source.RerankConfig(ctx)
	if err != nil {
		r.logger.Warn("loading rerank config failed", "error", err)
		return false
	}
	return cfg.enabled()
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResult struct {
	Index int `json:"index"`
	// Providers disagree on the score field name; accept both.
	RelevanceScore *float64 `json:"relevance_score"`
	Score          *float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank reorders candidates by cross-encoder relevance and returns at
// most topN of them. Candidates keep their vector similarity in
// OriginalScore; Score becomes the reranker relevance.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topN int) []Candidate {
	fallback := func() []Candidate {
		if len(candidates) > topN {
			return candidates[:topN]
		}
		return candidates
	}

	if len(candidates) == 0 || topN <= 0 {
		return nil
	}

	cfg, err := r.source.RerankConfig(ctx)
	if err != nil || !cfg.enabled() {
		if err != nil {
			r.logger.Warn("rerank config unavailable, keeping vector order", "error", err)
		}
		return fallback()
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     cfg.Model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		r.logger.Warn("encoding rerank request failed, keeping vector order", "error", err)
		return fallback()
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		r.logger.Warn("building rerank request failed, keeping vector order", "error", err)
		return fallback()
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("rerank call failed, keeping vector order", "error", err)
		return fallback()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("rerank service returned error, keeping vector order",
			"status", resp.StatusCode, "body", string(body))
		return fallback()
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		r.logger.Warn("decoding rerank response failed, keeping vector order", "error", err)
		return fallback()
	}
	if len(parsed.Results) == 0 {
		return fallback()
	}

	reranked := make([]Candidate, 0, min(topN, len(parsed.Results)))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			r.logger.Warn("rerank result index out of range, keeping vector order", "index", res.Index)
			return fallback()
		}
		c := candidates[res.Index]
		if res.RelevanceScore != nil {
			c.Score = *res.RelevanceScore
		} else if res.Score != nil {
			c.Score = *res.Score
		}
		reranked = append(reranked, c)
		if len(reranked) == topN {
			break
		}
	}

	return reranked
}
