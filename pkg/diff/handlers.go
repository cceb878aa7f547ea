package diff

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"
)

// handler tracks one record section.
//
// read binds the prior entries, diff compares them with the current
// observation, and write stores the current observation into a new record.
// Observations are cached until invalidate is called.
type handler interface {
	category() Category
	read(prior *Record)
	diff() ([]Change, error)
	write(rec *Record) error
	invalidate()
}

// valueHandler tracks config paths or variables. Values are stored as JSON.
type valueHandler struct {
	cat     Category
	keys    []string
	resolve func(key string) (any, bool, error)

	prior    []ValueEntry
	observed []ValueEntry
	scanned  bool
}

func newValueHandler(c Category, resolve func(key string) (any, bool, error)) *valueHandler {
	return &valueHandler{cat: c, resolve: resolve}
}

func (h *valueHandler) category() Category { return h.cat }

func (h *valueHandler) add(key string) {
	for _, k := range h.keys {
		if k == key {
			return
		}
	}
	h.keys = append(h.keys, key)
	h.scanned = false
}

func (h *valueHandler) read(prior *Record) {
	h.prior = prior.Values(h.cat)
}

func (h *valueHandler) invalidate() {
	h.observed = nil
	h.scanned = false
}

func (h *valueHandler) observe() ([]ValueEntry, error) {
	if h.scanned {
		return h.observed, nil
	}
	entries := make([]ValueEntry, 0, len(h.keys))
	for _, key := range h.keys {
		v, ok, err := h.resolve(key)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s %q: %w", h.cat, key, err)
		}
		if !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s %q: %w", h.cat, key, err)
		}
		entries = append(entries, ValueEntry{Key: key, Value: string(data)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	h.observed = entries
	h.scanned = true
	return entries, nil
}

func (h *valueHandler) diff() ([]Change, error) {
	current, err := h.observe()
	if err != nil {
		return nil, err
	}

	before := make(map[string]string, len(h.prior))
	for _, e := range h.prior {
		before[e.Key] = e.Value
	}

	var changes []Change
	for _, e := range current {
		old, ok := before[e.Key]
		if !ok {
			changes = append(changes, Change{Category: h.cat, Key: e.Key, Kind: ChangeAdded, After: e.Value})
			continue
		}
		delete(before, e.Key)
		if !valuesEqual(old, e.Value) {
			changes = append(changes, Change{
				Category: h.cat, Key: e.Key, Kind: ChangeModified, Before: old, After: e.Value,
			})
		}
	}
	for _, e := range h.prior {
		if _, ok := before[e.Key]; ok {
			changes = append(changes, Change{Category: h.cat, Key: e.Key, Kind: ChangeRemoved, Before: e.Value})
		}
	}
	sortChanges(changes)
	return changes, nil
}

func (h *valueHandler) write(rec *Record) error {
	current, err := h.observe()
	if err != nil {
		return err
	}
	rec.SetValues(h.cat, append([]ValueEntry{}, current...))
	return nil
}

// valuesEqual compares two serialized values structurally, so that key order
// and number formatting differences do not count as changes. Numbers compare
// exactly, at any magnitude.
func valuesEqual(a, b string) bool {
	if a == b {
		return true
	}
	va, err := decodeValue(a)
	if err != nil {
		return false
	}
	vb, err := decodeValue(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// decodeValue decodes a serialized value with every number replaced by its
// canonical rational form.
func decodeValue(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after value")
	}
	return canonicalNumbers(v), nil
}

// number is a decoded JSON number in canonical form. It never equals a string.
type number string

func canonicalNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		r, ok := new(big.Rat).SetString(val.String())
		if !ok {
			return number(val.String())
		}
		return number(r.RatString())
	case []any:
		for i, item := range val {
			val[i] = canonicalNumbers(item)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = canonicalNumbers(item)
		}
		return val
	default:
		return v
	}
}

// fileHandler tracks input or output paths. Directories are expanded to the
// regular files beneath them.
type fileHandler struct {
	cat   Category
	paths []string

	prior    []FileEntry
	observed []FileEntry
	scanned  bool
}

func newFileHandler(c Category) *fileHandler {
	return &fileHandler{cat: c}
}

func (h *fileHandler) category() Category { return h.cat }

func (h *fileHandler) add(path string) {
	path = filepath.Clean(path)
	for _, p := range h.paths {
		if p == path {
			return
		}
	}
	h.paths = append(h.paths, path)
	h.scanned = false
}

func (h *fileHandler) read(prior *Record) {
	h.prior = prior.Files(h.cat)
}

func (h *fileHandler) invalidate() {
	h.observed = nil
	h.scanned = false
}

func (h *fileHandler) observe() ([]FileEntry, error) {
	if h.scanned {
		return h.observed, nil
	}
	seen := make(map[string]bool)
	entries := make([]FileEntry, 0, len(h.paths))
	for _, root := range h.paths {
		found, err := scanPath(root)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s path %s: %w", h.cat, root, err)
		}
		for _, e := range found {
			if seen[e.Path] {
				continue
			}
			seen[e.Path] = true
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	h.observed = entries
	h.scanned = true
	return entries, nil
}

// scanPath stats root, walking it if it is a directory. A missing root yields no entries.
func scanPath(root string) ([]FileEntry, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []FileEntry{fileEntry(root, info)}, nil
	}

	var entries []FileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, fileEntry(path, fi))
		return nil
	})
	return entries, err
}

func fileEntry(path string, info fs.FileInfo) FileEntry {
	return FileEntry{Path: path, Size: info.Size(), ModTime: info.ModTime().UTC()}
}

func (h *fileHandler) diff() ([]Change, error) {
	current, err := h.observe()
	if err != nil {
		return nil, err
	}

	before := make(map[string]FileEntry, len(h.prior))
	for _, e := range h.prior {
		before[e.Path] = e
	}

	var changes []Change
	for _, e := range current {
		old, ok := before[e.Path]
		if !ok {
			changes = append(changes, Change{Category: h.cat, Key: e.Path, Kind: ChangeAdded, After: describeFile(e)})
			continue
		}
		delete(before, e.Path)
		if old.Size != e.Size || !old.ModTime.Equal(e.ModTime) {
			changes = append(changes, Change{
				Category: h.cat, Key: e.Path, Kind: ChangeModified,
				Before: describeFile(old), After: describeFile(e),
			})
		}
	}
	for _, e := range h.prior {
		if _, ok := before[e.Path]; ok {
			changes = append(changes, Change{Category: h.cat, Key: e.Path, Kind: ChangeRemoved, Before: describeFile(e)})
		}
	}
	sortChanges(changes)
	return changes, nil
}

func (h *fileHandler) write(rec *Record) error {
	current, err := h.observe()
	if err != nil {
		return err
	}
	rec.SetFiles(h.cat, append([]FileEntry{}, current...))
	return nil
}

// missing returns the watched paths that do not exist.
func (h *fileHandler) missing() []string {
	var out []string
	for _, p := range h.paths {
		if _, err := os.Stat(p); err != nil {
			out = append(out, p)
		}
	}
	return out
}

func describeFile(e FileEntry) string {
	return fmt.Sprintf("size=%d mtime=%s", e.Size, e.ModTime.Format(time.RFC3339Nano))
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
}
