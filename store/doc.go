package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"minebot/metrics"
)

// lastModifiedStamper is implemented by document types that carry a
// lastModifiedAt field. Doc stamps it on every successful mutation.
type lastModifiedStamper interface {
	SetLastModifiedAt(time.Time)
}

// Doc is a single JSON document on disk. All access is serialized by a
// mutex; the decoded value is cached after first load. Reads of a missing or
// unparseable file yield the defaults, never an error. Writes go through a
// temp file and rename so readers never observe a partial document.
type Doc[T any] struct {
	path     string
	kind     string
	defaults func() T

	mu     sync.Mutex
	loaded bool
	data   T
}

func NewDoc[T any](path, kind string, defaults func() T) *Doc[T] {
	return &Doc[T]{
		path:     path,
		kind:     kind,
		defaults: defaults,
	}
}

func (d *Doc[T]) Path() string { return d.path }

// Exists reports whether the document file is present on disk, without
// loading it.
func (d *Doc[T]) Exists() (bool, error) {
	_, err := os.Stat(d.path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", d.path, err)
	}
}

// Get returns a deep copy of the document, loading it on first use. Callers
// may freely modify the returned value.
func (d *Doc[T]) Get() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	if err := d.load(); err != nil {
		return zero, err
	}
	return clone(d.data)
}

// Mutate applies fn to the document and persists the result. fn returns
// whether it changed anything; a false return leaves the file untouched and
// Mutate reports false. The document's lastModifiedAt is stamped before the
// write.
func (d *Doc[T]) Mutate(fn func(*T) bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(); err != nil {
		return false, err
	}

	next, err := clone(d.data)
	if err != nil {
		return false, err
	}
	if !fn(&next) {
		return false, nil
	}

	if s, ok := any(&next).(lastModifiedStamper); ok {
		s.SetLastModifiedAt(time.Now().UTC())
	}

	if err := d.write(next); err != nil {
		return false, err
	}

	d.data = next
	return true, nil
}

func (d *Doc[T]) load() error {
	if d.loaded {
		return nil
	}

	buf, err := os.ReadFile(d.path)
	switch {
	case err == nil:
		var data T
		if err := json.Unmarshal(buf, &data); err == nil {
			d.data = data
			d.loaded = true
			return nil
		}
		// Unparseable contents fall back to defaults, same as missing.
	case !os.IsNotExist(err):
		return fmt.Errorf("read %s: %w", d.path, err)
	}

	d.data = d.defaults()
	d.loaded = true
	return nil
}

func (d *Doc[T]) write(data T) error {
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.path, err)
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		// A concurrent writer can win the rename and remove our temp file
		// out from under us. The document is intact either way.
		if !os.IsNotExist(err) {
			return fmt.Errorf("rename %s: %w", tmp, err)
		}
	}

	metrics.StoreWritesTotal.WithLabelValues(d.kind).Inc()
	return nil
}

func clone[T any](v T) (T, error) {
	var out T
	buf, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("clone encode: %w", err)
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return out, fmt.Errorf("clone decode: %w", err)
	}
	return out, nil
}
