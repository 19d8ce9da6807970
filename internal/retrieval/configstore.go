package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catwiki/catchat/internal/log"
)

const configQueryTimeout = 3 * time.Second

// aiConfigKey is the system_config row holding runtime AI settings.
const aiConfigKey = "ai_config"

// ConfigStore reads reranker configuration from the system_config table.
// Reading on every call (rather than caching at boot) is what makes
// credential rotation take effect without a restart; the query is a
// primary key lookup and cheap.
type ConfigStore struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewConfigStore creates a system_config-backed config source.
func NewConfigStore(pool *pgxpool.Pool, logger log.Logger) *ConfigStore {
	return &ConfigStore{
		pool:   pool,
		logger: logger.With("component", "config-store"),
	}
}

// RerankConfig implements ConfigSource. A missing row or empty value is
// not an error: it means reranking is simply not configured.
func (s *ConfigStore) RerankConfig(ctx context.Context) (RerankConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, configQueryTimeout)
	defer cancel()

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM system_config WHERE key = $1`, aiConfigKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return RerankConfig{}, nil
	}
	if err != nil {
		return RerankConfig{}, fmt.Errorf("reading %s: %w", aiConfigKey, err)
	}

	var cfg RerankConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return RerankConfig{}, fmt.Errorf("parsing %s: %w", aiConfigKey, err)
	}
	return cfg, nil
}

// SetRerankConfig writes the reranker settings, preserving unrelated keys
// in the ai_config document. Used by admin tooling and tests.
func (s *ConfigStore) SetRerankConfig(ctx context.Context, cfg RerankConfig) error {
	patch, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding rerank config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO system_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value = system_config.value || excluded.value, updated_at = now()`,
		aiConfigKey, patch)
	if err != nil {
		return fmt.Errorf("writing %s: %w", aiConfigKey, err)
	}
	return nil
}
