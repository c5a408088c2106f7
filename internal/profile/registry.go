// Package profile implements the Profile Registry (component A): it maps
// a logical profile name to an on-disk directory, persisting metadata in
// a single JSON catalog. Grounded on original_source's
// backend/core/management/profile_manager.py, adapted to Go's explicit
// error returns and atomic temp+rename writes.
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"chromefleet/internal/ferrors"
	"chromefleet/internal/logging"
)

const catalogFile = "profiles.json"

// Record is a profile's persisted metadata.
type Record struct {
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Info is the public listing shape: a Record plus its derived name and
// on-disk existence.
type Info struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
	Exists      bool      `json:"exists"`
}

// Registry is the Profile Registry. The zero value is not usable; use
// New. Safe for concurrent use.
type Registry struct {
	baseDir string
	log     *logging.Logger

	mu       sync.Mutex
	catalog  map[string]Record
	loaded   bool
}

// New constructs a Registry rooted at baseDir. No I/O happens until the
// first operation, per the lazy-initialization invariant.
func New(baseDir string) *Registry {
	return &Registry{
		baseDir: baseDir,
		log:     logging.Named("profile"),
		catalog: make(map[string]Record),
	}
}

// ensureLoaded loads the on-disk catalog into memory if the in-memory
// view is empty. Every mutating or reading operation calls this first —
// otherwise a freshly constructed Registry would silently claim no
// profiles exist, even though a catalog file is present on disk.
func (r *Registry) ensureLoaded() error {
	if r.loaded || len(r.catalog) > 0 {
		return nil
	}
	path := filepath.Join(r.baseDir, catalogFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		r.loaded = true
		return nil
	}
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "read profile catalog", err)
	}
	var catalog map[string]Record
	if err := json.Unmarshal(data, &catalog); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "parse profile catalog", err)
	}
	r.catalog = catalog
	r.loaded = true
	return nil
}

// saveLocked persists the in-memory catalog atomically (temp file, then
// rename). Caller must hold r.mu.
func (r *Registry) saveLocked() error {
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "create profiles dir", err)
	}
	data, err := json.MarshalIndent(r.catalog, "", "  ")
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "marshal profile catalog", err)
	}
	final := filepath.Join(r.baseDir, catalogFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "write profile catalog", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "commit profile catalog", err)
	}
	return nil
}

// Create makes a new profile directory and metadata record. Fails if
// name already exists.
func (r *Registry) Create(name, description string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return "", err
	}
	if _, exists := r.catalog[name]; exists {
		return "", ferrors.New(ferrors.KindProfileExists, "profile "+name+" already exists")
	}
	dir := filepath.Join(r.baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ferrors.Wrap(ferrors.KindIOError, "create profile dir", err)
	}
	now := time.Now()
	r.catalog[name] = Record{Description: description, CreatedAt: now, LastUsed: now}
	if err := r.saveLocked(); err != nil {
		return "", err
	}
	r.log.Info("created profile", zap.String("name", name))
	return dir, nil
}

// EnsureDefault returns the reserved "default" profile, creating it if
// missing. Idempotent.
func (r *Registry) EnsureDefault() (string, error) {
	r.mu.Lock()
	if err := r.ensureLoaded(); err != nil {
		r.mu.Unlock()
		return "", err
	}
	_, exists := r.catalog["default"]
	r.mu.Unlock()
	if exists {
		return r.GetDir("default")
	}
	return r.Create("default", "default profile")
}

// GetDir returns the directory for an existing profile, bumping
// last_used. Fails if name is unknown — SPEC_FULL deliberately keeps
// this stricter than the Python original's auto-vivification.
func (r *Registry) GetDir(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return "", err
	}
	rec, ok := r.catalog[name]
	if !ok {
		return "", ferrors.New(ferrors.KindProfileNotFound, "profile "+name+" not found")
	}
	rec.LastUsed = time.Now()
	r.catalog[name] = rec
	if err := r.saveLocked(); err != nil {
		return "", err
	}
	return filepath.Join(r.baseDir, name), nil
}

// Delete removes a profile's directory and metadata. Returns false if
// the name was unknown.
func (r *Registry) Delete(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return false, err
	}
	if _, ok := r.catalog[name]; !ok {
		return false, nil
	}
	dir := filepath.Join(r.baseDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return false, ferrors.Wrap(ferrors.KindIOError, "remove profile dir", err)
	}
	delete(r.catalog, name)
	if err := r.saveLocked(); err != nil {
		return false, err
	}
	r.log.Info("deleted profile", zap.String("name", name))
	return true, nil
}

// Copy duplicates a profile's directory tree and metadata under a new
// name. The copy's description is stamped "Copy of <source>" and its
// created_at reset to now, matching profile_manager.py:copy_profile.
func (r *Registry) Copy(src, dst string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return "", err
	}
	srcRec, ok := r.catalog[src]
	if !ok {
		return "", ferrors.New(ferrors.KindProfileNotFound, "source profile "+src+" not found")
	}
	if _, exists := r.catalog[dst]; exists {
		return "", ferrors.New(ferrors.KindProfileExists, "destination profile "+dst+" already exists")
	}
	srcDir := filepath.Join(r.baseDir, src)
	dstDir := filepath.Join(r.baseDir, dst)
	if _, err := os.Stat(srcDir); err == nil {
		if err := copyTree(srcDir, dstDir); err != nil {
			return "", ferrors.Wrap(ferrors.KindIOError, "copy profile tree", err)
		}
	} else {
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return "", ferrors.Wrap(ferrors.KindIOError, "create profile dir", err)
		}
	}
	r.catalog[dst] = Record{
		Description: "Copy of " + src,
		CreatedAt:   time.Now(),
		LastUsed:    srcRec.LastUsed,
	}
	if err := r.saveLocked(); err != nil {
		return "", err
	}
	return dstDir, nil
}

// List returns every profile's public info, in no particular order.
func (r *Registry) List() ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(r.catalog))
	for name, rec := range r.catalog {
		_, err := os.Stat(filepath.Join(r.baseDir, name))
		out = append(out, Info{
			Name:        name,
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt,
			LastUsed:    rec.LastUsed,
			Exists:      err == nil,
		})
	}
	return out, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
