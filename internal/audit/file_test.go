package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var baseDay = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newFileRepo(t *testing.T, cfg FileConfig) *FileRepository {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	repo, err := NewFileRepository(cfg)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testEvent(id string, et EventType, identity string, ts time.Time) *Event {
	return &Event{
		ID:        id,
		Timestamp: ts,
		EventType: et,
		Category:  CategoryOf(et),
		Identity:  identity,
		Outcome:   OutcomeBlocked,
		Details:   map[string]any{"n": id},
	}
}

func mustAppend(t *testing.T, repo Repository, e *Event) {
	t.Helper()
	if err := repo.Append(context.Background(), e); err != nil {
		t.Fatalf("Append(%s): %v", e.ID, err)
	}
}

func TestFileRepository_PartitionLayout(t *testing.T) {
	dir := t.TempDir()
	repo := newFileRepo(t, FileConfig{Dir: dir})

	mustAppend(t, repo, testEvent("a", EventRateLimitExceeded, "203.0.113.5", baseDay))
	mustAppend(t, repo, testEvent("b", EventLoginSucceeded, "203.0.113.5", baseDay))

	for _, path := range []string{
		filepath.Join(dir, "security", "2026-03-10.jsonl"),
		filepath.Join(dir, "routine", "2026-03-10.jsonl"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected partition %s: %v", path, err)
		}
	}
}

func TestFileRepository_QueryNewestFirst(t *testing.T) {
	repo := newFileRepo(t, FileConfig{})

	mustAppend(t, repo, testEvent("1", EventRateLimitExceeded, "203.0.113.5", baseDay.Add(-48*time.Hour)))
	mustAppend(t, repo, testEvent("2", EventLoginSucceeded, "203.0.113.5", baseDay.Add(-24*time.Hour)))
	mustAppend(t, repo, testEvent("3", EventSuspiciousActivity, "198.51.100.1", baseDay))
	mustAppend(t, repo, testEvent("4", EventAccessDeniedBanned, "203.0.113.5", baseDay.Add(time.Minute)))

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{name: "all", query: Query{}, want: []string{"4", "3", "2", "1"}},
		{name: "identity", query: Query{Identity: "203.0.113.5"}, want: []string{"4", "2", "1"}},
		{name: "category", query: Query{Category: CategoryRoutine}, want: []string{"2"}},
		{name: "event type", query: Query{EventType: EventSuspiciousActivity}, want: []string{"3"}},
		{name: "from", query: Query{From: baseDay.Add(-25 * time.Hour)}, want: []string{"4", "3", "2"}},
		{name: "range", query: Query{From: baseDay.Add(-49 * time.Hour), To: baseDay.Add(-23 * time.Hour)}, want: []string{"2", "1"}},
		{name: "limit", query: Query{Limit: 2}, want: []string{"4", "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Query(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("event[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestFileRepository_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	repo := newFileRepo(t, FileConfig{Dir: dir})
	mustAppend(t, repo, testEvent("ok", EventRateLimitExceeded, "192.0.2.1", baseDay))

	f, err := os.OpenFile(repo.PartitionPath(CategorySecurity, baseDay), os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	got, err := repo.Query(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Errorf("got %+v, want only the valid event", got)
	}
}

func TestFileRepository_ConcurrentAppends(t *testing.T) {
	repo := newFileRepo(t, FileConfig{})

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				e := testEvent(fmt.Sprintf("%d-%d", g, i), EventRateLimitExceeded, "192.0.2.1", baseDay)
				if err := repo.Append(context.Background(), e); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	got, err := repo.Query(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 500 {
		t.Errorf("got %d events, want 500", len(got))
	}
}

func TestFileRepository_MaintainRotates(t *testing.T) {
	dir := t.TempDir()
	repo := newFileRepo(t, FileConfig{Dir: dir, MaxPartitionBytes: 256})

	for i := 0; i < 5; i++ {
		mustAppend(t, repo, testEvent(fmt.Sprintf("old-%d", i), EventRateLimitExceeded, "192.0.2.1", baseDay))
	}

	report, err := repo.Maintain(context.Background(), baseDay)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if report.Rotated != 1 {
		t.Errorf("rotated = %d, want 1", report.Rotated)
	}

	rotated := filepath.Join(dir, "security", "2026-03-10.1.jsonl")
	if _, err := os.Stat(rotated); err != nil {
		t.Errorf("expected rotated segment: %v", err)
	}
	active := repo.PartitionPath(CategorySecurity, baseDay)
	if info, err := os.Stat(active); err != nil || info.Size() != 0 {
		t.Errorf("active partition should exist and be empty after rotation: %v", err)
	}

	// Writes continue into the active partition and queries span both.
	mustAppend(t, repo, testEvent("new", EventRateLimitExceeded, "192.0.2.1", baseDay.Add(time.Second)))
	got, _ := repo.Query(context.Background(), Query{})
	if len(got) != 6 || got[0].ID != "new" {
		t.Errorf("query after rotation returned %d events (first %v)", len(got), got)
	}

	// A second oversize rotation uses the next index.
	for i := 0; i < 5; i++ {
		mustAppend(t, repo, testEvent(fmt.Sprintf("more-%d", i), EventRateLimitExceeded, "192.0.2.1", baseDay))
	}
	if _, err := repo.Maintain(context.Background(), baseDay); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "security", "2026-03-10.2.jsonl")); err != nil {
		t.Errorf("expected second rotated segment: %v", err)
	}
}

func TestFileRepository_MaintainCreatesActivePartitions(t *testing.T) {
	repo := newFileRepo(t, FileConfig{})
	if _, err := repo.Maintain(context.Background(), baseDay); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	for _, c := range Categories {
		if _, err := os.Stat(repo.PartitionPath(c, baseDay)); err != nil {
			t.Errorf("active %s partition missing: %v", c, err)
		}
	}
}

func TestFileRepository_RetentionOnlyPastHorizon(t *testing.T) {
	repo := newFileRepo(t, FileConfig{Retention: 30 * 24 * time.Hour})

	mustAppend(t, repo, testEvent("40d", EventRateLimitExceeded, "192.0.2.1", baseDay.AddDate(0, 0, -40)))
	mustAppend(t, repo, testEvent("31d", EventLoginSucceeded, "192.0.2.1", baseDay.AddDate(0, 0, -31)))
	mustAppend(t, repo, testEvent("30d", EventRateLimitExceeded, "192.0.2.1", baseDay.AddDate(0, 0, -30).Add(time.Hour)))
	mustAppend(t, repo, testEvent("1d", EventRateLimitExceeded, "192.0.2.1", baseDay.AddDate(0, 0, -1)))

	before, _ := repo.Query(context.Background(), Query{Identity: "192.0.2.1"})

	report, err := repo.Maintain(context.Background(), baseDay)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if report.Removed != 2 {
		t.Errorf("removed = %d, want 2", report.Removed)
	}

	after, _ := repo.Query(context.Background(), Query{})
	horizon := baseDay.Add(-30 * 24 * time.Hour)
	kept := map[string]bool{}
	for _, e := range after {
		kept[e.ID] = true
	}
	for _, e := range before {
		if !e.Timestamp.Before(horizon) && !kept[e.ID] {
			t.Errorf("event %s inside the retention horizon was removed", e.ID)
		}
	}
	if kept["40d"] || kept["31d"] {
		t.Error("events past the horizon should be removed")
	}
}

func TestFileRepository_MaintainDoesNotAlterEvents(t *testing.T) {
	repo := newFileRepo(t, FileConfig{Retention: 90 * 24 * time.Hour})
	e := testEvent("keep", EventSuspiciousActivity, "192.0.2.9", baseDay)
	e.RequestPath = "/login"
	mustAppend(t, repo, e)

	for i := 0; i < 3; i++ {
		if _, err := repo.Maintain(context.Background(), baseDay.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Maintain: %v", err)
		}
	}

	got, _ := repo.Query(context.Background(), Query{})
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].ID != "keep" || got[0].RequestPath != "/login" || !got[0].Timestamp.Equal(baseDay) {
		t.Errorf("event changed: %+v", got[0])
	}
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
	fail error
}

func (a *recordingArchiver) Archive(_ context.Context, key string, body io.Reader, _ int64) error {
	if a.fail != nil {
		return a.fail
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		a.data = make(map[string][]byte)
	}
	a.keys = append(a.keys, key)
	a.data[key] = b
	return nil
}

func TestFileRepository_ArchivesBeforeRemoval(t *testing.T) {
	archiver := &recordingArchiver{}
	repo := newFileRepo(t, FileConfig{Retention: 7 * 24 * time.Hour, Archiver: archiver})
	mustAppend(t, repo, testEvent("old", EventRateLimitExceeded, "192.0.2.1", baseDay.AddDate(0, 0, -10)))

	report, err := repo.Maintain(context.Background(), baseDay)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if report.Archived != 1 || report.Removed != 1 {
		t.Errorf("report = %+v, want 1 archived and removed", report)
	}
	key := "security/2026-02-28.jsonl"
	if !bytes.Contains(archiver.data[key], []byte(`"id":"old"`)) {
		t.Errorf("archived %v, want key %s containing the event", archiver.keys, key)
	}
}

func TestFileRepository_FailedArchiveKeepsPartition(t *testing.T) {
	archiver := &recordingArchiver{fail: errors.New("bucket unavailable")}
	repo := newFileRepo(t, FileConfig{Retention: 7 * 24 * time.Hour, Archiver: archiver})
	mustAppend(t, repo, testEvent("old", EventRateLimitExceeded, "192.0.2.1", baseDay.AddDate(0, 0, -10)))

	if _, err := repo.Maintain(context.Background(), baseDay); err == nil {
		t.Fatal("expected maintenance error when archiving fails")
	}
	got, _ := repo.Query(context.Background(), Query{})
	if len(got) != 1 {
		t.Errorf("partition should be kept when archiving fails, got %d events", len(got))
	}
}

func TestParsePartitionName(t *testing.T) {
	tests := []struct {
		name      string
		wantOK    bool
		wantIndex int
	}{
		{"2026-03-10.jsonl", true, 0},
		{"2026-03-10.3.jsonl", true, 3},
		{"2026-03-10.0.jsonl", false, 0},
		{"2026-03-10.x.jsonl", false, 0},
		{"notes.txt", false, 0},
		{"2026-13-40.jsonl", false, 0},
	}
	for _, tt := range tests {
		_, index, ok := parsePartitionName(tt.name)
		if ok != tt.wantOK || index != tt.wantIndex {
			t.Errorf("parsePartitionName(%q) = %d, %v; want %d, %v", tt.name, index, ok, tt.wantIndex, tt.wantOK)
		}
	}
}
