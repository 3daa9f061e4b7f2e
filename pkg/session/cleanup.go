package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCleanupAge is how long an untouched transcript is kept
const DefaultCleanupAge = 30 * 24 * time.Hour

// Cleanup deletes transcripts that have not been modified for a while
type Cleanup struct {
	store      *Store
	cleanupAge time.Duration
	now        func() time.Time
}

// CleanupResult summarizes one cleanup pass
type CleanupResult struct {
	Scanned int      `json:"scanned"`
	Deleted []string `json:"deleted"`
}

// NewCleanup creates a cleanup handler. cleanupAge <= 0 uses DefaultCleanupAge.
func NewCleanup(store *Store, cleanupAge time.Duration) *Cleanup {
	if cleanupAge <= 0 {
		cleanupAge = DefaultCleanupAge
	}
	return &Cleanup{
		store:      store,
		cleanupAge: cleanupAge,
		now:        time.Now,
	}
}

// CleanupAge returns the retention window
func (c *Cleanup) CleanupAge() time.Duration {
	return c.cleanupAge
}

// Eligible lists sessions older than the retention window without deleting them
func (c *Cleanup) Eligible() ([]Info, error) {
	sessions, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := c.now()
	var old []Info
	for _, info := range sessions {
		if now.Sub(info.LastModified) >= c.cleanupAge {
			old = append(old, info)
		}
	}
	return old, nil
}

// Run deletes every eligible session. Failures on one session are logged and skipped.
func (c *Cleanup) Run(ctx context.Context) (CleanupResult, error) {
	sessions, err := c.store.List()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to list sessions: %w", err)
	}

	result := CleanupResult{Scanned: len(sessions)}
	now := c.now()

	for _, info := range sessions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		age := now.Sub(info.LastModified)
		if age < c.cleanupAge {
			continue
		}

		if err := c.store.Delete(ctx, info.ID); err != nil {
			log.Error().
				Str("session_id", info.ID).
				Err(err).
				Msg("Failed to delete session")
			continue
		}
		result.Deleted = append(result.Deleted, info.ID)

		log.Debug().
			Str("session_id", info.ID).
			Dur("age", age).
			Msg("Session deleted")
	}

	if len(result.Deleted) > 0 {
		log.Info().
			Int("deleted", len(result.Deleted)).
			Msg("Cleaned up old sessions")
	}

	return result, nil
}
