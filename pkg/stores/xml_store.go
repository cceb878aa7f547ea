package stores

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/distbuild/distbuild/pkg/diff"
)

const (
	xmlRootTag       = "diffRecord"
	xmlFormatVersion = "1"
	xmlExt           = ".xml"
)

// XMLStore keeps one XML document per task under a directory.
//
//	<diffRecord task="compose" version="1">
//	  <config>
//	    <entry key="release.version">"9.1"</entry>
//	  </config>
//	  <input>
//	    <file path="/srv/repo/a.rpm" size="1024" mtime="2024-05-01T10:00:00.123456789Z"/>
//	  </input>
//	</diffRecord>
//
// A missing section element means the section was absent; an empty element
// means it was present with no entries.
type XMLStore struct {
	dir string
}

// NewXMLStore creates a store rooted at dir.
func NewXMLStore(dir string) (*XMLStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("metadata directory is required")
	}
	return &XMLStore{dir: dir}, nil
}

// Init creates the metadata directory.
func (s *XMLStore) Init(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *XMLStore) Close() error { return nil }

// Dir returns the metadata directory.
func (s *XMLStore) Dir() string { return s.dir }

func (s *XMLStore) path(taskID string) string {
	return filepath.Join(s.dir, url.PathEscape(taskID)+xmlExt)
}

// Load implements diff.Store.
func (s *XMLStore) Load(_ context.Context, taskID string) (*diff.Record, error) {
	data, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, diff.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read diff record: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", diff.ErrRecordCorrupt, taskID, err)
	}
	if rec.TaskID != taskID {
		return nil, fmt.Errorf("%w: record for %q stored under %q", diff.ErrRecordCorrupt, rec.TaskID, taskID)
	}
	return rec, nil
}

// Save implements diff.Store. The file is replaced atomically.
func (s *XMLStore) Save(_ context.Context, rec *diff.Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode diff record: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write diff record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync diff record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close diff record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.TaskID)); err != nil {
		return fmt.Errorf("failed to replace diff record: %w", err)
	}
	return nil
}

// Delete implements diff.Store.
func (s *XMLStore) Delete(_ context.Context, taskID string) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete diff record: %w", err)
	}
	return nil
}

// TaskIDs lists every task with a stored record.
func (s *XMLStore) TaskIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata directory: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, xmlExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, xmlExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func encodeRecord(rec *diff.Record) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(xmlRootTag)
	root.CreateAttr("task", rec.TaskID)
	root.CreateAttr("version", xmlFormatVersion)

	for _, c := range diff.Categories {
		if !rec.HasSection(c) {
			continue
		}
		section := root.CreateElement(string(c))
		if c.IsFile() {
			for _, e := range rec.Files(c) {
				el := section.CreateElement("file")
				el.CreateAttr("path", e.Path)
				el.CreateAttr("size", strconv.FormatInt(e.Size, 10))
				el.CreateAttr("mtime", e.ModTime.UTC().Format(time.RFC3339Nano))
			}
			continue
		}
		for _, e := range rec.Values(c) {
			el := section.CreateElement("entry")
			el.CreateAttr("key", e.Key)
			el.SetText(e.Value)
		}
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}

func decodeRecord(data []byte) (*diff.Record, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil || root.Tag != xmlRootTag {
		return nil, fmt.Errorf("missing %s element", xmlRootTag)
	}
	if v := root.SelectAttrValue("version", ""); v != xmlFormatVersion {
		return nil, fmt.Errorf("unsupported format version %q", v)
	}
	taskID := root.SelectAttrValue("task", "")
	if taskID == "" {
		return nil, fmt.Errorf("missing task attribute")
	}

	rec := &diff.Record{TaskID: taskID}
	for _, section := range root.ChildElements() {
		c := diff.Category(section.Tag)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.IsFile() {
			files := []diff.FileEntry{}
			for _, el := range section.SelectElements("file") {
				e, err := decodeFile(el)
				if err != nil {
					return nil, err
				}
				files = append(files, e)
			}
			rec.SetFiles(c, files)
			continue
		}
		values := []diff.ValueEntry{}
		for _, el := range section.SelectElements("entry") {
			key := el.SelectAttr("key")
			if key == nil {
				return nil, fmt.Errorf("%s entry without key", c)
			}
			values = append(values, diff.ValueEntry{Key: key.Value, Value: el.Text()})
		}
		rec.SetValues(c, values)
	}
	return rec, nil
}

func decodeFile(el *etree.Element) (diff.FileEntry, error) {
	path := el.SelectAttrValue("path", "")
	if path == "" {
		return diff.FileEntry{}, fmt.Errorf("file entry without path")
	}
	size, err := strconv.ParseInt(el.SelectAttrValue("size", ""), 10, 64)
	if err != nil {
		return diff.FileEntry{}, fmt.Errorf("file %s: invalid size: %w", path, err)
	}
	mtime, err := time.Parse(time.RFC3339Nano, el.SelectAttrValue("mtime", ""))
	if err != nil {
		return diff.FileEntry{}, fmt.Errorf("file %s: invalid mtime: %w", path, err)
	}
	return diff.FileEntry{Path: path, Size: size, ModTime: mtime.UTC()}, nil
}
