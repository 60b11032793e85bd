package store

import (
	"fmt"
	"path/filepath"

	"github.com/orbiterhq/orbiter/internal/store/file"
	"github.com/orbiterhq/orbiter/internal/store/sqlite"
)

// NewFileStores wires the default file/embedded-sqlite backend rooted at
// cfg.DataDir: sessions/, cron/, and infra.db, matching the logical layout
// in §6.
func NewFileStores(cfg StoreConfig) (*Stores, error) {
	transcript, err := file.NewTranscriptStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	catalog, err := file.NewSessionCatalog(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("session catalog: %w", err)
	}
	cron, err := file.NewCronStore(filepath.Join(cfg.DataDir, "cron"))
	if err != nil {
		return nil, fmt.Errorf("cron store: %w", err)
	}
	ops, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("ops store: %w", err)
	}
	return &Stores{
		Transcript: transcript,
		Sessions:   catalog,
		Cron:       cron,
		Ops:        ops,
	}, nil
}
