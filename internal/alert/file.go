package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "alerts-"
	fileLayout = "2006-01-02"
	fileExt    = ".jsonl"
)

// FileRepository stores alerts as JSON lines in <dir>/alerts-YYYY-MM-DD.jsonl,
// one file per UTC day. Save and Acknowledge only append: an acknowledgement
// is a marker line naming the alert. Only DeleteBefore rewrites a file.
type FileRepository struct {
	dir string
	// mu orders appends against the rewrite in DeleteBefore.
	mu sync.RWMutex
}

// ackLine marks an earlier alert of the same file as acknowledged.
type ackLine struct {
	AckOf string    `json:"ackOf"`
	At    time.Time `json:"at"`
}

// fileLine is either a Record or an ackLine.
type fileLine struct {
	Record
	AckOf string `json:"ackOf,omitempty"`
}

// NewFileRepository creates dir if needed and returns a repository.
func NewFileRepository(dir string) (*FileRepository, error) {
	if dir == "" {
		return nil, errors.New("alert: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("alert: create directory: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) pathFor(day time.Time) string {
	return filepath.Join(r.dir, filePrefix+day.UTC().Format(fileLayout)+fileExt)
}

// Save implements Repository. The cost is one append regardless of how many
// alerts the day already holds.
func (r *FileRepository) Save(_ context.Context, rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("alert: encode: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := appendLine(r.pathFor(rec.Timestamp), line); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Since implements Repository.
func (r *FileRepository) Since(_ context.Context, since time.Time) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	files, err := r.files()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var out []Record
	for _, f := range files {
		if f.day.AddDate(0, 0, 1).Before(since) {
			continue
		}
		recs, err := readFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		for _, rec := range recs {
			if !rec.Timestamp.Before(since) {
				out = append(out, rec)
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Acknowledge implements Repository.
func (r *FileRepository) Acknowledge(_ context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// Recent alerts are the likely target.
	for i := len(files) - 1; i >= 0; i-- {
		recs, err := readFile(files[i].path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		for _, rec := range recs {
			if rec.ID != id {
				continue
			}
			if !rec.Acknowledged {
				line, err := json.Marshal(ackLine{AckOf: id, At: time.Now().UTC()})
				if err != nil {
					return nil, fmt.Errorf("alert: encode: %w", err)
				}
				if err := appendLine(files[i].path, line); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
				}
				rec.Acknowledged = true
			}
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteBefore implements Repository. Whole-day files before cutoff are
// removed; the file spanning the cutoff is filtered in place.
func (r *FileRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	removed := 0
	for _, f := range files {
		if !f.day.Before(cutoff) {
			continue
		}
		recs, err := readFile(f.path)
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		kept := recs[:0]
		for _, rec := range recs {
			if rec.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			err = os.Remove(f.path)
		} else if len(kept) != len(recs) {
			err = writeFile(f.path, kept)
		}
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return removed, nil
}

type alertFile struct {
	path string
	day  time.Time
}

// files lists day files oldest first.
func (r *FileRepository) files() ([]alertFile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var out []alertFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		day, err := time.Parse(fileLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
		if err != nil {
			continue
		}
		out = append(out, alertFile{path: filepath.Join(r.dir, name), day: day})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out, nil
}

// appendLine writes line plus a newline with a single O_APPEND write.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readFile returns the alerts of one day file in append order with
// acknowledgements applied. A torn final line from an interrupted append is
// ignored; any other malformed line is an error.
func readFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var (
		recs  []Record
		index = make(map[string]int)
	)
	lines := bytes.Split(data, []byte{'\n'})
	for i, raw := range lines {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var l fileLine
		if err := json.Unmarshal(raw, &l); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), i+1, err)
		}
		if l.AckOf != "" {
			if j, ok := index[l.AckOf]; ok {
				recs[j].Acknowledged = true
			}
			continue
		}
		index[l.ID] = len(recs)
		recs = append(recs, l.Record)
	}
	return recs, nil
}

// writeFile atomically replaces path with recs, one line each.
func writeFile(path string, recs []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".alerts-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
