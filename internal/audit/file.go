package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults for FileConfig.
const (
	DefaultRetention         = 90 * 24 * time.Hour
	DefaultMaxPartitionBytes = 10 * 1024 * 1024
)

const (
	partitionLayout = "2006-01-02"
	partitionExt    = ".jsonl"
	// maxLineBytes bounds a single decoded event line.
	maxLineBytes = 1024 * 1024
)

// FileConfig configures a FileRepository.
type FileConfig struct {
	// Dir is the root directory; each category gets a subdirectory.
	Dir string
	// Retention is the horizon past which partitions are archived and removed.
	// Zero disables retention.
	Retention time.Duration
	// MaxPartitionBytes is the size above which Maintain rotates a partition.
	MaxPartitionBytes int64
	// Archiver, if set, receives each partition before it is removed.
	Archiver Archiver
	Logger   *slog.Logger
}

// FileRepository stores events as JSON lines in
// <dir>/<category>/<YYYY-MM-DD>.jsonl, one partition per UTC day per category.
// Rotated segments are named <YYYY-MM-DD>.<n>.jsonl.
//
// Appends and queries share a read lock; Maintain takes it exclusively so
// rotation never races a write.
type FileRepository struct {
	config FileConfig

	maint sync.RWMutex

	handlesMu sync.Mutex
	handles   map[string]*os.File
}

// NewFileRepository creates the directory layout and returns a repository.
func NewFileRepository(config FileConfig) (*FileRepository, error) {
	if config.Dir == "" {
		return nil, errors.New("audit: directory is required")
	}
	if config.MaxPartitionBytes <= 0 {
		config.MaxPartitionBytes = DefaultMaxPartitionBytes
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	for _, c := range Categories {
		if err := os.MkdirAll(filepath.Join(config.Dir, string(c)), 0o750); err != nil {
			return nil, fmt.Errorf("audit: create partition directory: %w", err)
		}
	}
	return &FileRepository{config: config, handles: make(map[string]*os.File)}, nil
}

// PartitionPath returns the active partition file for a category and day.
func (r *FileRepository) PartitionPath(c Category, day time.Time) string {
	return filepath.Join(r.config.Dir, string(c), day.UTC().Format(partitionLayout)+partitionExt)
}

// Append implements Repository. Each event is written with a single
// O_APPEND write.
func (r *FileRepository) Append(_ context.Context, e *Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	line = append(line, '\n')

	category := e.Category
	if !ValidCategory(category) {
		category = CategoryOf(e.EventType)
	}

	r.maint.RLock()
	defer r.maint.RUnlock()

	f, err := r.handle(r.PartitionPath(category, e.Timestamp))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (r *FileRepository) handle(path string) (*os.File, error) {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()

	if f, ok := r.handles[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	r.handles[path] = f
	return f, nil
}

func (r *FileRepository) closeHandles() error {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()

	var errs []error
	for path, f := range r.handles {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.handles, path)
	}
	return errors.Join(errs...)
}

// Close releases open partition handles.
func (r *FileRepository) Close() error {
	r.maint.Lock()
	defer r.maint.Unlock()
	return r.closeHandles()
}

// partitionFile is a parsed partition file name.
type partitionFile struct {
	path  string
	name  string
	day   time.Time
	index int // 0 for the active partition
}

// parsePartitionName parses "<date>.jsonl" or "<date>.<n>.jsonl".
func parsePartitionName(name string) (day time.Time, index int, ok bool) {
	base, found := strings.CutSuffix(name, partitionExt)
	if !found {
		return time.Time{}, 0, false
	}
	datePart, indexPart, rotated := strings.Cut(base, ".")
	day, err := time.Parse(partitionLayout, datePart)
	if err != nil {
		return time.Time{}, 0, false
	}
	if rotated {
		index, err = strconv.Atoi(indexPart)
		if err != nil || index < 1 {
			return time.Time{}, 0, false
		}
	}
	return day, index, true
}

func (r *FileRepository) listPartitions(c Category) ([]partitionFile, error) {
	dir := filepath.Join(r.config.Dir, string(c))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []partitionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, index, ok := parsePartitionName(entry.Name())
		if !ok {
			continue
		}
		files = append(files, partitionFile{
			path:  filepath.Join(dir, entry.Name()),
			name:  entry.Name(),
			day:   day,
			index: index,
		})
	}
	return files, nil
}

// Query implements Repository. Active and rotated segments are both read.
func (r *FileRepository) Query(ctx context.Context, q Query) ([]Event, error) {
	categories := Categories
	if q.Category != "" {
		categories = []Category{q.Category}
	}

	r.maint.RLock()
	defer r.maint.RUnlock()

	var results []Event
	for _, c := range categories {
		files, err := r.listPartitions(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		for _, pf := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !q.From.IsZero() && !pf.day.AddDate(0, 0, 1).After(q.From) {
				continue
			}
			if !q.To.IsZero() && pf.day.After(q.To) {
				continue
			}
			if err := r.readPartition(pf.path, q, &results); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
		}
	}

	sortNewestFirst(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (r *FileRepository) readPartition(path string, q Query, into *[]Event) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			r.config.Logger.Warn("skipping unreadable audit line",
				slog.String("path", path),
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}
		if q.matches(&e) {
			*into = append(*into, e)
		}
	}
	return scanner.Err()
}

// Maintain implements Maintainer. Partitions whose whole day lies before
// now-Retention are archived (if an Archiver is set) and removed; active
// partitions larger than MaxPartitionBytes are renamed to the next rotated
// segment. Afterwards today's partition exists for every category.
func (r *FileRepository) Maintain(ctx context.Context, now time.Time) (MaintenanceReport, error) {
	r.maint.Lock()
	defer r.maint.Unlock()

	var report MaintenanceReport
	var errs []error
	if err := r.closeHandles(); err != nil {
		errs = append(errs, err)
	}

	now = now.UTC()
	for _, c := range Categories {
		files, err := r.listPartitions(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		maxIndex := make(map[string]int)
		for _, pf := range files {
			day := pf.day.Format(partitionLayout)
			if pf.index > maxIndex[day] {
				maxIndex[day] = pf.index
			}
		}

		sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
		for _, pf := range files {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			if r.expired(pf.day, now) {
				archived, err := r.retire(ctx, c, pf)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if archived {
					report.Archived++
				}
				report.Removed++
				continue
			}

			if pf.index != 0 {
				continue
			}
			info, err := os.Stat(pf.path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if info.Size() <= r.config.MaxPartitionBytes {
				continue
			}
			day := pf.day.Format(partitionLayout)
			next := maxIndex[day] + 1
			rotated := filepath.Join(filepath.Dir(pf.path), fmt.Sprintf("%s.%d%s", day, next, partitionExt))
			if err := os.Rename(pf.path, rotated); err != nil {
				errs = append(errs, err)
				continue
			}
			maxIndex[day] = next
			report.Rotated++
		}

		// The active partition always exists and is appendable.
		f, err := os.OpenFile(r.PartitionPath(c, now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.Close()
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("%w: maintenance: %v", ErrStorageUnavailable, errors.Join(errs...))
	}
	return report, nil
}

// expired reports whether every event in the day's partition is older than
// the retention horizon.
func (r *FileRepository) expired(day, now time.Time) bool {
	if r.config.Retention <= 0 {
		return false
	}
	return !day.AddDate(0, 0, 1).After(now.Add(-r.config.Retention))
}

// retire archives then removes one partition. A failed archive leaves the
// partition in place for the next pass.
func (r *FileRepository) retire(ctx context.Context, c Category, pf partitionFile) (bool, error) {
	archived := false
	if r.config.Archiver != nil {
		f, err := os.Open(pf.path)
		if err != nil {
			return false, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return false, err
		}
		err = r.config.Archiver.Archive(ctx, string(c)+"/"+pf.name, f, info.Size())
		f.Close()
		if err != nil {
			return false, fmt.Errorf("archive %s: %w", pf.name, err)
		}
		archived = true
	}
	if err := os.Remove(pf.path); err != nil {
		return archived, err
	}
	r.config.Logger.Info("audit partition retired",
		slog.String("category", string(c)),
		slog.String("partition", pf.name),
		slog.Bool("archived", archived))
	return archived, nil
}
