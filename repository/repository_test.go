package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/loiht2/ml-platform-finetune-orchestrator/config"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func makeRun(id, provider string, status models.Status, startOffset time.Duration) models.Run {
	started := base.Add(startOffset)
	return models.Run{
		JobID:     id,
		Provider:  provider,
		Status:    status,
		Config:    models.TrainingConfig{BaseModel: "meta-llama/Llama-3.2-1B", ComputeProvider: provider},
		StartedAt: &started,
		CreatedAt: started.Add(-time.Minute),
		UpdatedAt: started,
		Version:   1,
	}
}

func seed(t *testing.T, store RunStore, runs ...models.Run) {
	t.Helper()
	for _, r := range runs {
		if err := store.Upsert(context.Background(), r); err != nil {
			t.Fatalf("Upsert(%s) error = %v", r.JobID, err)
		}
	}
}

func ids(runs []models.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.JobID
	}
	return out
}

func TestMemoryStoreHistoryFilter(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store,
		makeRun("a", "runpod", models.StatusCompleted, 1*time.Hour),
		makeRun("b", "runpod", models.StatusFailed, 2*time.Hour),
		makeRun("c", "kubernetes", models.StatusCompleted, 3*time.Hour),
		makeRun("d", "runpod", models.StatusCompleted, 4*time.Hour),
		makeRun("e", "runpod", models.StatusRunning, 5*time.Hour),
	)

	page, err := store.Query(context.Background(), models.RunFilter{
		Statuses:  []models.Status{models.StatusCompleted},
		Providers: []string{"runpod"},
	}, 50, 0)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if diff := cmp.Diff([]string{"d", "a"}, ids(page.Runs)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	for _, r := range page.Runs {
		if r.Status != models.StatusCompleted || r.Provider != "runpod" {
			t.Errorf("run %s does not match both predicates: %s/%s", r.JobID, r.Status, r.Provider)
		}
	}
	if page.Total != 2 {
		t.Errorf("Total = %d, want 2", page.Total)
	}
}

func TestMemoryStorePagination(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 7; i++ {
		seed(t, store, makeRun(fmt.Sprintf("run-%d", i), "runpod", models.StatusCompleted, time.Duration(i)*time.Minute))
	}

	tests := []struct {
		limit, offset int
		want          []string
	}{
		{3, 0, []string{"run-6", "run-5", "run-4"}},
		{3, 3, []string{"run-3", "run-2", "run-1"}},
		{3, 6, []string{"run-0"}},
		{3, 9, []string{}},
	}
	for _, tt := range tests {
		page, err := store.Query(context.Background(), models.RunFilter{}, tt.limit, tt.offset)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if diff := cmp.Diff(tt.want, ids(page.Runs)); diff != "" {
			t.Errorf("limit=%d offset=%d mismatch (-want +got):\n%s", tt.limit, tt.offset, diff)
		}
		if page.Total != 7 {
			t.Errorf("Total = %d, want 7", page.Total)
		}
	}
}

func TestMemoryStoreKeepsNewestVersion(t *testing.T) {
	store := NewMemoryStore()
	newer := makeRun("a", "runpod", models.StatusCompleted, 0)
	newer.Version = 5
	older := makeRun("a", "runpod", models.StatusRunning, 0)
	older.Version = 3
	seed(t, store, newer, older)

	got, err := store.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.StatusCompleted || got.Version != 5 {
		t.Errorf("Get() = %s v%d, want completed v5", got.Status, got.Version)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryStoreListActive(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store,
		makeRun("a", "runpod", models.StatusRunning, 0),
		makeRun("b", "runpod", models.StatusStopped, 0),
		makeRun("c", "kubernetes", models.StatusPaused, time.Minute),
		makeRun("d", "kubernetes", models.StatusQueued, 2*time.Minute),
	)
	active, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if diff := cmp.Diff([]string{"d", "c", "a"}, ids(active)); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	run := makeRun("a", "kubernetes", models.StatusPaused, 0)
	run.Config.PEFT = models.PEFTConfig{Method: "lora", Rank: 8, Alpha: 16, TargetModules: []string{"q_proj"}}
	run.CurrentStep, run.CurrentLoss, run.PausedDuration = 500, 0.42, 90*time.Second
	run.Checkpoint = &models.Checkpoint{Step: 500, Loss: 0.42, Elapsed: time.Hour, Resources: &models.ResourceUsage{RAMUsedMB: 1024, CapturedAt: base}, CapturedAt: base}
	run.ResourceUsage = run.Checkpoint.Resources.Clone()

	rec, err := toRecord(run)
	if err != nil {
		t.Fatalf("toRecord() error = %v", err)
	}
	if rec.BaseModel != run.Config.BaseModel {
		t.Errorf("BaseModel column = %q", rec.BaseModel)
	}
	got, err := fromRecord(rec)
	if err != nil {
		t.Fatalf("fromRecord() error = %v", err)
	}
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	run.Checkpoint, run.ResourceUsage = nil, nil
	rec, _ = toRecord(run)
	if rec.Checkpoint != "null" || rec.ResourceUsage != "null" {
		t.Errorf("nil snapshots stored as %q / %q, want null", rec.Checkpoint, rec.ResourceUsage)
	}
}

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return db
}

func TestGormStoreFilterSQL(t *testing.T) {
	store := NewGormStore(dryRunDB(t))
	from := base
	stmt := store.filtered(store.db, models.RunFilter{
		Statuses:  []models.Status{models.StatusCompleted},
		Providers: []string{"runpod"},
		From:      &from,
		ModelName: "Qwen_2",
	}).Find(&[]config.TrainingRun{}).Statement

	sql := stmt.SQL.String()
	for _, want := range []string{"status IN", "provider IN", "COALESCE(started_at, created_at) >=", "LOWER(base_model) LIKE"} {
		if !strings.Contains(sql, want) {
			t.Errorf("SQL %q is missing %q", sql, want)
		}
	}
	found := false
	for _, v := range stmt.Vars {
		if v == `%qwen\_2%` {
			found = true
		}
	}
	if !found {
		t.Errorf("LIKE pattern not escaped, vars = %v", stmt.Vars)
	}
}

func TestGormStoreUpsertIsVersionGuarded(t *testing.T) {
	store := NewGormStore(dryRunDB(t))
	rec, err := toRecord(makeRun("a", "runpod", models.StatusRunning, 0))
	if err != nil {
		t.Fatal(err)
	}
	stmt := store.db.Clauses(upsertClause()).Create(&rec).Statement
	sql := stmt.SQL.String()
	for _, want := range []string{"ON CONFLICT", "DO UPDATE SET", "training_runs.version <= excluded.version"} {
		if !strings.Contains(sql, want) {
			t.Errorf("SQL %q is missing %q", sql, want)
		}
	}
}
