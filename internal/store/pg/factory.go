package pg

import (
	"context"
	"fmt"

	"github.com/orbiterhq/orbiter/internal/store"
)

// NewStores opens a Postgres-backed Stores container for the session
// catalog and transcript concerns; cron and operational tables remain on
// the file/sqlite backend even in postgres mode, since they are
// single-process concerns the spec does not require to be shared (§1
// non-goals: "the engine is single-process").
func NewStores(ctx context.Context, cfg store.StoreConfig, cron store.CronStore, ops store.OpsStore) (*store.Stores, error) {
	s, err := Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("pg stores: %w", err)
	}
	return &store.Stores{
		Sessions:   s,
		Transcript: s,
		Cron:       cron,
		Ops:        ops,
	}, nil
}
