package file

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/sessions"
)

// SessionCatalog persists the Session Registry's active-entry map as a
// single JSON document written via temp-then-rename (§6:
// "sessions/index.json ... written via temp-then-rename").
type SessionCatalog struct {
	path string
}

func NewSessionCatalog(dir string) (*SessionCatalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.PermanentIO, "create session dir", err)
	}
	return &SessionCatalog{path: filepath.Join(dir, "index.json")}, nil
}

type catalogDoc struct {
	Version int                       `json:"version"`
	Entries []*sessions.SessionEntry `json:"entries"`
}

func (c *SessionCatalog) SaveSessions(entries []*sessions.SessionEntry) error {
	doc := catalogDoc{Version: 1, Entries: entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return engineerr.Wrap(engineerr.ValidationError, "marshal session catalog", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "create session catalog temp file", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return engineerr.Wrap(engineerr.TransientIO, "write session catalog", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return engineerr.Wrap(engineerr.TransientIO, "sync session catalog", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, c.path); err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "rename session catalog", err)
	}
	cleanup = false
	return nil
}

// LoadSessions reads the catalog. A missing file is not an error (fresh
// start); a malformed file is FATAL per §4.A ("corruption of the
// session/cron store is FATAL at startup").
func (c *SessionCatalog) LoadSessions() ([]*sessions.SessionEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engineerr.Wrap(engineerr.PermanentIO, "read session catalog", err)
	}
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engineerr.Wrap(engineerr.ConfigMissing, "session catalog corrupt, operator action required", err)
	}
	return doc.Entries, nil
}
