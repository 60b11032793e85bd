package file

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/store"
)

// maxRunRecords bounds the per-job run history ring (§3 RunRecord: "bounded
// ring (last K entries kept)"; §4.G: "last 50 entries per job").
const maxRunRecords = 50

// CronStore is the file-backed cron catalog (temp-then-rename,
// "cron/jobs.json" per §6) plus a per-job run-history log
// ("cron/runs/<jobId>.log").
type CronStore struct {
	dir     string
	catPath string
	runsDir string

	mu sync.Mutex // serializes run-log append/prune per process
}

func NewCronStore(dir string) (*CronStore, error) {
	runsDir := filepath.Join(dir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.PermanentIO, "create cron dir", err)
	}
	return &CronStore{dir: dir, catPath: filepath.Join(dir, "jobs.json"), runsDir: runsDir}, nil
}

type jobsDoc struct {
	Version int                     `json:"version"`
	Jobs    []*store.CronJobRecord `json:"jobs"`
}

func (c *CronStore) SaveJobs(jobs []*store.CronJobRecord) error {
	doc := jobsDoc{Version: 1, Jobs: jobs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return engineerr.Wrap(engineerr.ValidationError, "marshal cron catalog", err)
	}

	tmp, err := os.CreateTemp(c.dir, "jobs-*.tmp")
	if err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "create cron catalog temp file", err)
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
		return engineerr.Wrap(engineerr.TransientIO, "write cron catalog", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return engineerr.Wrap(engineerr.TransientIO, "sync cron catalog", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, c.catPath); err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "rename cron catalog", err)
	}
	cleanup = false
	return nil
}

func (c *CronStore) LoadJobs() ([]*store.CronJobRecord, error) {
	data, err := os.ReadFile(c.catPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engineerr.Wrap(engineerr.PermanentIO, "read cron catalog", err)
	}
	var doc jobsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engineerr.Wrap(engineerr.ConfigMissing, "cron catalog corrupt, operator action required", err)
	}
	return doc.Jobs, nil
}

func (c *CronStore) runPath(jobID string) string {
	return filepath.Join(c.runsDir, sanitize(jobID)+".log")
}

// AppendRun appends one RunRecord, then reads the log back and, if it
// holds more than maxRunRecords, rewrites it trimmed to the most recent
// ones. The bound is checked on every append.
func (c *CronStore) AppendRun(jobID string, rec store.RunRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.runPath(jobID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "open run log", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.ValidationError, "marshal run record", err)
	}
	_, werr := f.Write(append(line, '\n'))
	serr := f.Sync()
	f.Close()
	if werr != nil {
		return engineerr.Wrap(engineerr.TransientIO, "write run record", werr)
	}
	if serr != nil {
		return engineerr.Wrap(engineerr.TransientIO, "sync run log", serr)
	}

	return c.pruneLocked(jobID)
}

func (c *CronStore) pruneLocked(jobID string) error {
	recs, err := c.readRunsLocked(jobID, 0)
	if err != nil || len(recs) <= maxRunRecords {
		return nil
	}
	recs = recs[len(recs)-maxRunRecords:]

	tmp, err := os.CreateTemp(c.runsDir, "run-*.tmp")
	if err != nil {
		return engineerr.Wrap(engineerr.PermanentIO, "create run log temp file", err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, r := range recs {
		line, _ := json.Marshal(r)
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
	tmp.Sync()
	tmp.Close()
	return os.Rename(tmpPath, c.runPath(jobID))
}

func (c *CronStore) ReadRuns(jobID string, limit int) ([]store.RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readRunsLocked(jobID, limit)
}

func (c *CronStore) readRunsLocked(jobID string, limit int) ([]store.RunRecord, error) {
	path := c.runPath(jobID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engineerr.Wrap(engineerr.PermanentIO, "open run log", err)
	}
	defer f.Close()

	var out []store.RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r store.RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
