package cmd

import (
	"testing"

	"github.com/orbiterhq/orbiter/internal/store"
)

func TestOpenCronStore_LoadsSeededJobs(t *testing.T) {
	dir := t.TempDir()
	cronStore, err := openCronStore(dir)
	if err != nil {
		t.Fatalf("openCronStore: %v", err)
	}

	seeded := []*store.CronJobRecord{
		{ID: "job-1", Name: "daily digest", Enabled: true, ScheduleKind: "every", Target: "main", LastStatus: "ok"},
	}
	if err := cronStore.SaveJobs(seeded); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	jobs, err := cronStore.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("LoadJobs() = %+v, want the single seeded job back", jobs)
	}
}

func TestOpenCronStore_EmptyDirHasNoJobs(t *testing.T) {
	dir := t.TempDir()
	cronStore, err := openCronStore(dir)
	if err != nil {
		t.Fatalf("openCronStore: %v", err)
	}

	jobs, err := cronStore.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("LoadJobs() on a fresh store = %+v, want empty", jobs)
	}
}
