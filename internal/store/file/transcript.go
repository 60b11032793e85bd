package file

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/providers"
)

// TranscriptStore is the file-backed append-only transcript log, one JSON
// record per line per session_id (§6: "sessions/<sessionId>.transcript").
// Appends to different session_ids proceed in parallel; appends to the same
// session_id are serialized through a per-id lock (§5).
type TranscriptStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.PermanentIO, "create transcript dir", err)
	}
	return &TranscriptStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *TranscriptStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *TranscriptStore) path(sessionID string) (string, error) {
	name := sanitize(sessionID)
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) {
		return "", engineerr.New(engineerr.ValidationError, "invalid session id")
	}
	return filepath.Join(s.dir, name+".transcript"), nil
}

// AppendTranscript durably appends one message record. The append must
// survive a crash immediately following return, so the write is followed by
// an explicit Sync before the call returns (§4.A durability requirement).
func (s *TranscriptStore) AppendTranscript(sessionID string, msg providers.Message) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "open transcript", err)
	}
	defer f.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return engineerr.Wrap(engineerr.ValidationError, "marshal transcript record", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "write transcript record", err)
	}
	if err := f.Sync(); err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "sync transcript", err)
	}
	return nil
}

// ReadTranscript returns up to limit most recent entries (0 = all) in
// append order. A corrupt line is skipped with a warning, not fatal.
func (s *TranscriptStore) ReadTranscript(sessionID string, limit int) ([]providers.Message, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engineerr.Wrap(engineerr.PermanentIO, "open transcript for read", err)
	}
	defer f.Close()

	var out []providers.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m providers.Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("transcript line corrupt, skipping", "session_id", sessionID, "line", lineNo, "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return out, engineerr.Wrap(engineerr.TransientIO, "scan transcript", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func sanitize(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
