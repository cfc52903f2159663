package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	recordExt = ".pid"
	// pidFileDir holds pidfiles owned by the services themselves; List skips
	// directories, so they never read as records.
	pidFileDir = "pidfiles"
)

var (
	// ErrNoRecord is returned by Read when no record exists for an instance.
	ErrNoRecord = errors.New("no process record")
	// ErrMalformed is returned by Read when a record cannot be parsed.
	ErrMalformed = errors.New("malformed process record")
)

// Source tells how the PID in a record was obtained.
type Source string

const (
	SourceSpawn Source = "spawn"
	SourceScan  Source = "scan"
)

// Record is the persisted state of one service instance. Its presence is a
// hint only and must be re-validated before being trusted.
type Record struct {
	ID         string    `json:"id"`
	PID        int       `json:"-"`
	StartUnix  int64     `json:"start_unix,omitempty"`
	LaunchedAt time.Time `json:"launched_at,omitzero"`
	Source     Source    `json:"source,omitempty"`
}

// Registry stores one record file per instance id under Dir.
type Registry struct {
	dir string
}

func New(dir string) *Registry { return &Registry{dir: dir} }

func (r *Registry) Dir() string { return r.dir }

// Path returns the record file location for id. It is meant for external
// pidfile consumers; the first line of a record is always the bare PID.
func (r *Registry) Path(id string) string {
	return filepath.Join(r.dir, fileName(id))
}

// PIDFile returns the location a service writes its own pidfile to, as
// passed with "--pid". It is distinct from the record: the service creates
// and removes it, the supervisor only reads or seeds it.
func (r *Registry) PIDFile(id string) string {
	return filepath.Join(r.dir, pidFileDir, fileName(id))
}

// PreparePIDFile creates the pidfile directory and returns PIDFile(id).
func (r *Registry) PreparePIDFile(id string) (string, error) {
	path := r.PIDFile(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	return path, nil
}

// SeedPIDFile writes pid to the service pidfile of id unless one exists,
// for control commands that address a process through that file.
func (r *Registry) SeedPIDFile(id string, pid int) error {
	path, err := r.PreparePIDFile(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o640)
}

// Read loads the record of id. A missing record yields ErrNoRecord.
func (r *Registry) Read(id string) (Record, error) {
	b, err := os.ReadFile(r.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNoRecord
		}
		return Record{}, err
	}
	rec, err := decode(b)
	if err != nil {
		return Record{}, fmt.Errorf("%w %s: %v", ErrMalformed, r.Path(id), err)
	}
	rec.ID = id
	return rec, nil
}

// Write atomically replaces the record of rec.ID.
func (r *Registry) Write(rec Record) error {
	if rec.ID == "" {
		return errors.New("record without instance id")
	}
	if rec.PID <= 0 {
		return fmt.Errorf("record %s: invalid pid %d", rec.ID, rec.PID)
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return err
	}
	b, err := encode(rec)
	if err != nil {
		return err
	}
	return renameio.WriteFile(r.Path(rec.ID), b, 0o640)
}

// Delete removes the record of id. Absence is not an error.
func (r *Registry) Delete(id string) error {
	err := os.Remove(r.Path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the ids of every instance that currently has a record.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		id, ok := idFromFile(e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func fileName(id string) string { return url.PathEscape(id) + recordExt }

func idFromFile(name string) (string, bool) {
	// renameio temp files start with a dot
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, recordExt))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// encode writes the PID on the first line followed by a JSON meta line.
func encode(rec Record) ([]byte, error) {
	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(rec.PID))
	sb.WriteByte('\n')
	sb.Write(meta)
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

// decode accepts both the extended format and legacy files holding only a PID.
func decode(b []byte) (Record, error) {
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return Record{}, err
	}
	if pid <= 0 {
		return Record{}, fmt.Errorf("non-positive pid %d", pid)
	}
	var rec Record
	if rest = strings.TrimSpace(rest); rest != "" {
		// unreadable metadata still leaves a usable pid
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}
