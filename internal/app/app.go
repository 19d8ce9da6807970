// Package app assembles the application: configuration, database,
// model provider, retrieval pipeline, conversation loop, and HTTP
// server.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catwiki/catchat/internal/agent"
	"github.com/catwiki/catchat/internal/api"
	"github.com/catwiki/catchat/internal/chat"
	"github.com/catwiki/catchat/internal/config"
	"github.com/catwiki/catchat/internal/knowledge"
	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/retrieval"
	"github.com/catwiki/catchat/internal/session"
)

// App holds every initialized component. Create with Setup, release
// with Close.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool     *pgxpool.Pool
	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	Knowledge *knowledge.Store
	Retrieval *retrieval.Service
	Loop      *agent.Loop
	Sessions  *session.Store
	Chat      *chat.Service
	Server    *api.Server

	otelCleanup func()
	dbCleanup   func()
}

// Close releases resources in reverse initialization order. Safe to
// call on a partially initialized App.
func (a *App) Close() error {
	if a.Chat != nil {
		// Background checkpoint writes must land before the pool closes.
		a.Chat.Wait()
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
