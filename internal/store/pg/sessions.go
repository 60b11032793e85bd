// Package pg implements the Persistence Layer's optional Postgres-backed
// catalog/transcript storage, for deployments that want a shared store
// across multiple engine instances (still single-writer-per-session_id;
// the engine itself remains single-process per §1's non-goals).
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
	"github.com/orbiterhq/orbiter/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrateSchema applies every pending migration in migrations/ via
// golang-migrate, using the pgx stdlib driver so it shares the same wire
// protocol as the pool this Store queries through.
func migrateSchema(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return engineerr.Wrap(engineerr.ConfigMissing, "open postgres for migration", err)
	}
	defer db.Close()

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return engineerr.Wrap(engineerr.ConfigMissing, "init postgres migration driver", err)
	}
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return engineerr.Wrap(engineerr.ConfigMissing, "init migration source", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		return engineerr.Wrap(engineerr.ConfigMissing, "init migrator", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return engineerr.Wrap(engineerr.ConfigMissing, "apply postgres migrations", err)
	}
	return nil
}

// Store implements store.SessionCatalog and store.TranscriptStore against
// Postgres, mirroring the file backend's semantics: the transcript table is
// keyed by session_id (append-only, strictly ordered by `seq`); the
// session_entries table holds the registry's active-entry snapshot, written
// wholesale by SaveSessions (matching the file backend's
// temp-then-rename-equivalent: a single transaction replacing all rows).
type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := migrateSchema(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ConfigMissing, "open postgres pool", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) SaveSessions(entries []*sessions.SessionEntry) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "begin session catalog tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE session_entries`); err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "truncate session_entries", err)
	}
	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO session_entries (session_key, session_id, channel, chat_type, group_id, display_name, created_at, rotated_count)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.SessionKey, e.SessionID, e.Channel, string(e.ChatType), e.GroupID, e.DisplayName, e.CreatedAt, e.RotatedCount)
		if err != nil {
			return engineerr.Wrap(engineerr.TransientIO, "insert session entry", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "commit session catalog tx", err)
	}
	return nil
}

func (s *Store) LoadSessions() ([]*sessions.SessionEntry, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT session_key, session_id, channel, chat_type, group_id, display_name, created_at, rotated_count FROM session_entries`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PermanentIO, "load session entries", err)
	}
	defer rows.Close()

	var out []*sessions.SessionEntry
	for rows.Next() {
		var e sessions.SessionEntry
		var chatType string
		if err := rows.Scan(&e.SessionKey, &e.SessionID, &e.Channel, &chatType, &e.GroupID, &e.DisplayName, &e.CreatedAt, &e.RotatedCount); err != nil {
			return nil, engineerr.Wrap(engineerr.PermanentIO, "scan session entry", err)
		}
		e.ChatType = sessions.ChatType(chatType)
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) AppendTranscript(sessionID string, msg providers.Message) error {
	ctx := context.Background()
	body, err := json.Marshal(msg)
	if err != nil {
		return engineerr.Wrap(engineerr.ValidationError, "marshal transcript record", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO transcript_messages (session_id, seq, record)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transcript_messages WHERE session_id = $1), $2)`,
		sessionID, body)
	if err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "append transcript", err)
	}
	return nil
}

func (s *Store) ReadTranscript(sessionID string, limit int) ([]providers.Message, error) {
	ctx := context.Background()
	query := `SELECT record FROM transcript_messages WHERE session_id = $1 ORDER BY seq ASC`
	var rows, err = s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PermanentIO, "read transcript", err)
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, engineerr.Wrap(engineerr.PermanentIO, "scan transcript row", err)
		}
		var m providers.Message
		if err := json.Unmarshal(body, &m); err != nil {
			continue // corrupt row tolerated on read, per §4.A
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
