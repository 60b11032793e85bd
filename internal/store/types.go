// Package store defines the Persistence Layer contracts (spec §4.A): durable,
// crash-safe storage for transcripts, the session catalog, the cron catalog,
// and the operational tables the Dispatcher's hot path consults
// (idempotency, rate limiting, events).
//
// Two backends satisfy these contracts: internal/store/file (the default —
// flat files with temp-then-rename for catalogs, append-only lines for
// transcripts, an embedded modernc.org/sqlite db for operational tables) and
// internal/store/pg (an optional Postgres-backed catalog/transcript store for
// multi-instance deployments, still single-writer-per-session).
package store

import (
	"context"
	"time"

	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
)

// TranscriptStore is the append-only per-session_id message log (§4.A).
// Ordering is strictly FIFO per session_id; concurrent appends to the same
// session_id are serialized by the implementation.
type TranscriptStore interface {
	// AppendTranscript durably appends one message record. Returns an
	// *engineerr.Error with Kind permanent_io or transient_io on failure.
	AppendTranscript(sessionID string, msg providers.Message) error

	// ReadTranscript returns up to `limit` most recent entries (0 = all) in
	// append order. A corrupt line is skipped, not fatal (§4.A failure
	// semantics: "corruption of a single transcript line is tolerated on
	// read").
	ReadTranscript(sessionID string, limit int) ([]providers.Message, error)
}

// SessionCatalog persists the Session Registry's active-entry map
// (sessions/index.json in the logical layout, §6) via temp-then-rename.
type SessionCatalog interface {
	SaveSessions(entries []*sessions.SessionEntry) error
	LoadSessions() ([]*sessions.SessionEntry, error)
}

// CronStore persists the CronJob catalog and per-job run history.
type CronStore interface {
	LoadJobs() ([]*CronJobRecord, error)
	SaveJobs(jobs []*CronJobRecord) error
	AppendRun(jobID string, rec RunRecord) error
	ReadRuns(jobID string, limit int) ([]RunRecord, error)
}

// CronJobRecord is the on-disk shape of a CronJob (internal/cron defines the
// richer runtime type; this is the serialization boundary the two share).
type CronJobRecord struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ScheduleKind    string          `json:"schedule_kind"` // "at" | "every" | "cron"
	ScheduleAtMs    int64           `json:"at_ms,omitempty"`
	ScheduleEveryMs int64           `json:"every_ms,omitempty"`
	ScheduleAnchor  int64           `json:"anchor_ms,omitempty"`
	ScheduleExpr    string          `json:"expr,omitempty"`
	ScheduleTZ      string          `json:"tz,omitempty"`
	Target          string          `json:"target"` // "main" | "isolated"
	WakeMode        string          `json:"wake_mode"`
	PayloadText     string          `json:"payload_text,omitempty"`
	PayloadMessage  string          `json:"payload_message,omitempty"`
	PayloadModel    string          `json:"payload_model,omitempty"`
	DeleteAfterRun  bool            `json:"delete_after_run"`
	NextRunAtMs     int64           `json:"next_run_at_ms,omitempty"`
	RunningAtMs     int64           `json:"running_at_ms,omitempty"`
	LastStatus      string          `json:"last_status,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LastRunAtMs     int64           `json:"last_run_at_ms,omitempty"`
	RunCount        int             `json:"run_count"`
}

// RunRecord mirrors spec §3's RunRecord.
type RunRecord struct {
	JobID      string `json:"job_id"`
	Action     string `json:"action"` // "started" | "finished" | "removed"
	Status     string `json:"status,omitempty"` // "ok" | "error" | "skipped"
	TsMs       int64  `json:"ts_ms"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OpsStore is the embedded operational database (§6 infra.db): idempotency,
// rate-limit counters, and an events audit log. Hot-path operations MUST
// complete in O(1) queries (§5).
type OpsStore interface {
	// CheckAndReserveIdempotency atomically checks for an existing,
	// unexpired record with the same hash and, if absent, inserts a
	// pending one. Returns duplicate=true if a matching record already
	// existed (testable property #4).
	CheckAndReserveIdempotency(ctx context.Context, key, hash string, ttl time.Duration) (duplicate bool, err error)

	// RateAllow applies a sliding-window check/increment for bucket,
	// returning allowed=false once count reaches max within window.
	RateAllow(ctx context.Context, bucket string, window time.Duration, max int) (allowed bool, retryAfter time.Duration, err error)

	// RecordEvent appends one row to the audit log.
	RecordEvent(ctx context.Context, ev Event) error

	Close() error
}

// Event is one row of the operational events table (§6).
type Event struct {
	Type     string
	Time     time.Time
	Status   string
	Source   string
	Message  string
	Metadata map[string]string
}

// Stores is the top-level persistence container wired at startup.
type Stores struct {
	Transcript TranscriptStore
	Sessions   SessionCatalog
	Cron       CronStore
	Ops        OpsStore
}

// StoreConfig selects and parameterizes the backend.
type StoreConfig struct {
	Mode        string // "file" | "postgres"
	DataDir     string // file backend root
	PostgresDSN string // postgres backend connection string
}
