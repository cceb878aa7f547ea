package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader parses and validates build definitions written in CUE, YAML or
// JSON. Multiple files are merged by CUE unification. A Loader is not safe
// for concurrent use.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
	logger    zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger.With().Str("component", "config").Logger()
	}
}

// NewLoader creates a new definition loader.
func NewLoader(opts ...LoaderOption) *Loader {
	ctx := cuecontext.New()
	l := &Loader{
		ctx:       ctx,
		schemas:   newSchemaRegistry(ctx),
		validator: validator.New(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the schema registry used for task validation.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// SupportedFile reports whether path has an extension the loader reads.
func SupportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Load parses the given files and directories. Parse and validation
// problems are reported in Definition.Errors; the returned error is
// reserved for sources that cannot be read at all.
func (l *Loader) Load(ctx context.Context, sources ...string) (*Definition, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	files, err := expandSources(sources)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		SourceFiles: files,
		LoadedAt:    time.Now(),
	}
	if len(files) == 0 {
		def.Errors = append(def.Errors, ValidationError{
			Message:  fmt.Sprintf("no definition files found in %s", strings.Join(sources, ", ")),
			Severity: "error",
		})
		return def, nil
	}

	var root cue.Value
	origins := make(map[string]string)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		val, errs := l.loadFile(file)
		if len(errs) > 0 {
			def.Errors = append(def.Errors, errs...)
			continue
		}
		for _, id := range declaredTaskIDs(val) {
			if _, seen := origins[id]; !seen {
				origins[id] = file
			}
		}
		if root.Exists() {
			root = root.Unify(val)
		} else {
			root = val
		}
		l.logger.Debug().Str("file", file).Msg("Loaded definition file")
	}

	if len(def.Errors) > 0 {
		return def, nil
	}

	if err := root.Validate(); err != nil {
		def.Errors = append(def.Errors, convertCUEErrors(err)...)
		return def, nil
	}

	l.extract(root, def)
	for i := range def.Tasks {
		if src, ok := origins[def.Tasks[i].ID]; ok {
			def.Tasks[i].Source = src
		} else {
			def.Tasks[i].Source = files[0]
		}
	}

	l.logger.Debug().
		Int("files", len(files)).
		Int("tasks", len(def.Tasks)).
		Int("errors", len(def.Errors)).
		Msg("Loaded build definition")
	return def, nil
}

// LoadInline parses inline CUE content.
func (l *Loader) LoadInline(content string) (*Definition, error) {
	def := &Definition{
		SourceFiles: []string{"inline"},
		LoadedAt:    time.Now(),
	}

	val := l.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Validate(); err != nil {
		def.Errors = convertCUEErrors(err)
		return def, nil
	}

	l.extract(val, def)
	return def, nil
}

// expandSources turns directories into the sorted list of definition files
// they contain.
func expandSources(sources []string) ([]string, error) {
	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}

		err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != source && (strings.HasPrefix(d.Name(), ".") || d.Name() == "cue.mod") {
					return filepath.SkipDir
				}
				return nil
			}
			if SupportedFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory: %w", err)
		}
	}
	return files, nil
}

// loadFile compiles a single definition file.
func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		content, err = yamlToJSON(content)
		if err != nil {
			return cue.Value{}, []ValidationError{{
				File:     path,
				Message:  fmt.Sprintf("invalid YAML: %v", err),
				Severity: "error",
			}}
		}
	}

	// JSON is a subset of CUE.
	val := l.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Validate(); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = path
			}
		}
		return cue.Value{}, errs
	}

	return val, nil
}

// yamlToJSON re-encodes a YAML document as JSON. Mapping order is kept so
// that task declaration order survives.
func yamlToJSON(content []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeYAMLNode(&buf, &doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeYAMLNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case 0:
		buf.WriteString("{}")
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("{}")
			return nil
		}
		return writeYAMLNode(buf, n.Content[0])
	case yaml.AliasNode:
		return writeYAMLNode(buf, n.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return fmt.Errorf("line %d: mapping key is not a string", n.Content[i].Line)
			}
			k, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeYAMLNode(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeYAMLNode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(data)
	}
	return nil
}

// declaredTaskIDs lists the task ids a single file declares.
func declaredTaskIDs(val cue.Value) []string {
	var ids []string
	_ = forEachTask(val.LookupPath(cue.ParsePath("tasks")), func(_, key string, v cue.Value) {
		if id, err := v.LookupPath(cue.ParsePath("id")).String(); err == nil {
			ids = append(ids, id)
		} else if key != "" {
			ids = append(ids, key)
		}
	})
	return ids
}

// forEachTask visits task entries in declaration order. key is the struct
// label for the map form and empty for the list form.
func forEachTask(tasks cue.Value, fn func(path, key string, v cue.Value)) error {
	if !tasks.Exists() {
		return nil
	}

	switch tasks.IncompleteKind() {
	case cue.StructKind:
		iter, err := tasks.Fields()
		if err != nil {
			return err
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			fn(fmt.Sprintf("tasks.%s", iter.Selector()), key, iter.Value())
		}
	case cue.ListKind:
		list, err := tasks.List()
		if err != nil {
			return err
		}
		idx := 0
		for list.Next() {
			fn(fmt.Sprintf("tasks[%d]", idx), "", list.Value())
			idx++
		}
	default:
		return fmt.Errorf("tasks must be a list or a struct, got %v", tasks.IncompleteKind())
	}
	return nil
}

// extract fills def from the unified definition value.
func (l *Loader) extract(val cue.Value, def *Definition) {
	def.Config = NewDocument(val.LookupPath(cue.ParsePath("config")))

	seen := make(map[string]string)
	err := forEachTask(val.LookupPath(cue.ParsePath("tasks")), func(path, key string, v cue.Value) {
		task, err := l.extractTask(key, v)
		if err != nil {
			def.Errors = append(def.Errors, ValidationError{
				Path:     path,
				Message:  err.Error(),
				Severity: "error",
			})
			return
		}
		if prev, dup := seen[task.ID]; dup {
			def.Errors = append(def.Errors, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("duplicate task id %q (first declared at %s)", task.ID, prev),
				Severity: "error",
			})
			return
		}
		seen[task.ID] = path
		def.Tasks = append(def.Tasks, task)
	})
	if err != nil {
		def.Errors = append(def.Errors, ValidationError{
			Path:     "tasks",
			Message:  err.Error(),
			Severity: "error",
		})
	}
}

// extractTask validates and decodes one task entry. For the map form the
// struct label is the default id.
func (l *Loader) extractTask(key string, val cue.Value) (TaskConfig, error) {
	var task TaskConfig

	if key != "" && !val.LookupPath(cue.ParsePath("id")).Exists() {
		val = val.FillPath(cue.ParsePath("id"), key)
	}

	if err := l.schemas.Validate("#Task", val); err != nil {
		return task, fmt.Errorf("schema validation failed: %s", errors.Details(err, nil))
	}

	if err := val.Decode(&task); err != nil {
		return task, fmt.Errorf("failed to decode task: %w", err)
	}

	if err := l.validator.Struct(task); err != nil {
		return task, fmt.Errorf("validation failed: %w", err)
	}

	if task.Kind == KindScript && (task.Script == "") == (task.ScriptFile == "") {
		return task, fmt.Errorf("script task %s needs exactly one of script or script_file", task.ID)
	}
	if task.Kind != KindScript && (task.Script != "" || task.ScriptFile != "") {
		return task, fmt.Errorf("task %s sets a script but is not of kind script", task.ID)
	}
	if task.Kind != KindCommand && task.Command != nil {
		return task, fmt.Errorf("task %s sets a command but is not of kind command", task.ID)
	}

	return task, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}

	return validationErrors
}
