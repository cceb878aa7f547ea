package diff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category names one of the four sections of a Record.
type Category string

const (
	// CategoryConfig holds configuration values addressed by query path.
	CategoryConfig Category = "config"

	// CategoryVariables holds named values supplied by accessor functions.
	CategoryVariables Category = "variables"

	// CategoryInput holds files consumed by the task.
	CategoryInput Category = "input"

	// CategoryOutput holds files produced by the task.
	CategoryOutput Category = "output"
)

// Categories lists all record sections in evaluation order.
var Categories = []Category{CategoryConfig, CategoryVariables, CategoryInput, CategoryOutput}

// Validate checks if the category is known.
func (c Category) Validate() error {
	switch c {
	case CategoryConfig, CategoryVariables, CategoryInput, CategoryOutput:
		return nil
	default:
		return fmt.Errorf("invalid diff category: %s", c)
	}
}

// IsFile reports whether entries of this category are file entries.
func (c Category) IsFile() bool {
	return c == CategoryInput || c == CategoryOutput
}

// ChangeKind describes how an entry differs from the prior record.
type ChangeKind string

const (
	// ChangeAdded means the entry is observed now but was not recorded.
	ChangeAdded ChangeKind = "added"

	// ChangeRemoved means the entry was recorded but is no longer observed.
	ChangeRemoved ChangeKind = "removed"

	// ChangeModified means the entry exists in both with different content.
	ChangeModified ChangeKind = "modified"
)

// Change is a single difference between the prior record and the current observation.
type Change struct {
	Category Category   `json:"category"`
	Key      string     `json:"key"`
	Kind     ChangeKind `json:"kind"`
	Before   string     `json:"before,omitempty"`
	After    string     `json:"after,omitempty"`
}

// String renders the change for logs and status output.
func (c Change) String() string {
	switch c.Kind {
	case ChangeAdded:
		return fmt.Sprintf("%s: + %s", c.Category, c.Key)
	case ChangeRemoved:
		return fmt.Sprintf("%s: - %s", c.Category, c.Key)
	default:
		return fmt.Sprintf("%s: ~ %s (%s -> %s)", c.Category, c.Key, c.Before, c.After)
	}
}

// FileEntry records the observed state of one regular file.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// ValueEntry records a serialized value under its key.
type ValueEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is the durable change-detection state of one task.
//
// A nil section means the section was absent when the record was written; an
// empty non-nil section means it was present with no entries. Stores must
// preserve the distinction.
type Record struct {
	TaskID    string       `json:"task_id"`
	Config    []ValueEntry `json:"config,omitempty"`
	Variables []ValueEntry `json:"variables,omitempty"`
	Input     []FileEntry  `json:"input,omitempty"`
	Output    []FileEntry  `json:"output,omitempty"`
}

// Clone returns a deep copy of the record. Absent sections stay nil.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := &Record{TaskID: r.TaskID}
	if r.Config != nil {
		cp.Config = append([]ValueEntry{}, r.Config...)
	}
	if r.Variables != nil {
		cp.Variables = append([]ValueEntry{}, r.Variables...)
	}
	if r.Input != nil {
		cp.Input = append([]FileEntry{}, r.Input...)
	}
	if r.Output != nil {
		cp.Output = append([]FileEntry{}, r.Output...)
	}
	return cp
}

// Values returns the value section for a value category.
func (r *Record) Values(c Category) []ValueEntry {
	if r == nil {
		return nil
	}
	switch c {
	case CategoryConfig:
		return r.Config
	case CategoryVariables:
		return r.Variables
	}
	return nil
}

// Files returns the file section for a file category.
func (r *Record) Files(c Category) []FileEntry {
	if r == nil {
		return nil
	}
	switch c {
	case CategoryInput:
		return r.Input
	case CategoryOutput:
		return r.Output
	}
	return nil
}

// SetValues replaces a value section.
func (r *Record) SetValues(c Category, entries []ValueEntry) {
	switch c {
	case CategoryConfig:
		r.Config = entries
	case CategoryVariables:
		r.Variables = entries
	}
}

// SetFiles replaces a file section.
func (r *Record) SetFiles(c Category, entries []FileEntry) {
	switch c {
	case CategoryInput:
		r.Input = entries
	case CategoryOutput:
		r.Output = entries
	}
}

// HasSection reports whether the section was present when the record was written.
func (r *Record) HasSection(c Category) bool {
	if r == nil {
		return false
	}
	if c.IsFile() {
		return r.Files(c) != nil
	}
	return r.Values(c) != nil
}

var (
	// ErrRecordNotFound is returned by a Store when no record exists for a task.
	ErrRecordNotFound = errors.New("diff record not found")

	// ErrRecordCorrupt is returned by a Store when a record exists but cannot be decoded.
	ErrRecordCorrupt = errors.New("diff record corrupt")
)

// Store persists one Record per task id.
type Store interface {
	// Load returns the record for a task, ErrRecordNotFound if none exists,
	// or an error wrapping ErrRecordCorrupt if it cannot be decoded.
	Load(ctx context.Context, taskID string) (*Record, error)

	// Save replaces the record for rec.TaskID in full.
	Save(ctx context.Context, rec *Record) error

	// Delete removes the record for a task. Deleting a missing record is not an error.
	Delete(ctx context.Context, taskID string) error
}

// ConfigSource resolves configuration query paths.
type ConfigSource interface {
	// Lookup returns the concrete value at path and whether it exists.
	Lookup(path string) (any, bool)
}

// ConfigFunc adapts a function to ConfigSource.
type ConfigFunc func(path string) (any, bool)

// Lookup calls f(path).
func (f ConfigFunc) Lookup(path string) (any, bool) {
	return f(path)
}

// Accessor produces the current value of a watched variable.
type Accessor func() (any, error)
