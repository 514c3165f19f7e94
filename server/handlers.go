// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/replyflow/config"
	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/ledger"
	"github.com/onnwee/replyflow/queue"
	"github.com/onnwee/replyflow/registry"
	"github.com/onnwee/replyflow/youtubeapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	ctx      context.Context
	cfg      *config.Config
	ledger   *ledger.Ledger
	queue    *queue.Store
	registry *registry.Registry
	yt       *youtubeapi.Service

	// state token -> linking account id with expiry
	stateStore map[string]oauthState
	stateMu    sync.RWMutex
}

type oauthState struct {
	accountID string
	expiry    time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, database *sql.DB, cfg *config.Config) *Handlers {
	return &Handlers{
		db:         database,
		ctx:        ctx,
		cfg:        cfg,
		ledger:     ledger.New(database),
		queue:      queue.NewStore(database),
		registry:   registry.New(database, cfg.TrialCredits),
		yt:         youtubeapi.New(cfg, &db.Credentials{DB: database}),
		stateStore: make(map[string]oauthState),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, s := range h.stateStore {
		if now.After(s.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records the state token issued to an account, capped so a
// flood of /start requests cannot exhaust memory.
func (h *Handlers) addOAuthState(state, accountID string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = oauthState{accountID: accountID, expiry: time.Now().Add(oauthStateTTL)}
	return true
}

// takeOAuthState consumes a state token, returning the account it belongs
// to. Single use: replayed callbacks fail.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	s, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if time.Now().After(s.expiry) {
		return "", false
	}
	return s.accountID, true
}
