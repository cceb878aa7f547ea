package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/distbuild/distbuild/pkg/engine"
)

const sampleDefinition = `
config: {
	release: {
		name:    "Example"
		version: "9.1"
	}
	jobs: 4
	packages: ["kernel", "bash"]
	pending: string
}

tasks: {
	repos: {
		kind: "command"
		provides: ["repos"]
		command: run: "createrepo out/repos"
		outputs: ["out/repos"]
	}
	compose: {
		kind: "group"
		requires: ["repos"]
		properties: pre: true
	}
	"compose.packages": {
		parent: "compose"
		kind:   "script"
		script: "def run(ctx):\n    pass\n"
		watch_config: ["packages"]
		enabled: false
	}
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoader_LoadInline(t *testing.T) {
	def, err := NewLoader().LoadInline(sampleDefinition)
	if err != nil {
		t.Fatalf("LoadInline failed: %v", err)
	}
	if len(def.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", def.Errors)
	}

	var ids []string
	for _, task := range def.Tasks {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "repos,compose,compose.packages" {
		t.Errorf("tasks not in declaration order: %v", ids)
	}

	repos, ok := def.Task("repos")
	if !ok {
		t.Fatal("repos task not found")
	}
	if repos.Command == nil || repos.Command.Run != "createrepo out/repos" {
		t.Errorf("unexpected command: %+v", repos.Command)
	}

	compose, _ := def.Task("compose")
	spec := compose.Spec()
	if !spec.Properties.IsGroup || !spec.Properties.HasPre || spec.Properties.HasPost {
		t.Errorf("unexpected properties: %+v", spec.Properties)
	}
	if len(spec.Requires) != 1 || spec.Requires[0] != "repos" {
		t.Errorf("unexpected requires: %v", spec.Requires)
	}

	pkgs, _ := def.Task("compose.packages")
	spec = pkgs.Spec()
	if spec.ParentID != "compose" || !spec.Disabled {
		t.Errorf("unexpected spec: %+v", spec)
	}
	if err := spec.Validate(); err != nil {
		t.Errorf("spec should be valid: %v", err)
	}
}

func TestLoader_ListForm(t *testing.T) {
	def, err := NewLoader().LoadInline(`
tasks: [
	{id: "b", provides: ["x"]},
	{id: "a", requires: ["x"]},
]
`)
	if err != nil {
		t.Fatalf("LoadInline failed: %v", err)
	}
	if len(def.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", def.Errors)
	}
	if len(def.Tasks) != 2 || def.Tasks[0].ID != "b" || def.Tasks[1].ID != "a" {
		t.Errorf("unexpected tasks: %+v", def.Tasks)
	}
	if def.Config.Exists() {
		t.Error("expected no config section")
	}
}

func TestLoader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "unknown field",
			content: `tasks: a: {bogus: 1}`,
			wantMsg: "schema validation failed",
		},
		{
			name:    "invalid kind",
			content: `tasks: a: {kind: "shell"}`,
			wantMsg: "schema validation failed",
		},
		{
			name:    "command kind without command",
			content: `tasks: a: {kind: "command"}`,
			wantMsg: "validation failed",
		},
		{
			name:    "script kind with two sources",
			content: `tasks: a: {kind: "script", script: "x = 1", script_file: "a.star"}`,
			wantMsg: "exactly one of script or script_file",
		},
		{
			name:    "command on a group",
			content: `tasks: a: {kind: "group", command: run: "true"}`,
			wantMsg: "not of kind command",
		},
		{
			name:    "duplicate id",
			content: `tasks: [{id: "a"}, {id: "a"}]`,
			wantMsg: "duplicate task id",
		},
		{
			name:    "missing id",
			content: `tasks: [{kind: "group"}]`,
			wantMsg: "schema validation failed",
		},
		{
			name:    "tasks is a string",
			content: `tasks: "nope"`,
			wantMsg: "must be a list or a struct",
		},
		{
			name:    "syntax error",
			content: `tasks: {`,
			wantMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := NewLoader().LoadInline(tt.content)
			if err != nil {
				t.Fatalf("LoadInline failed: %v", err)
			}
			if len(def.Errors) == 0 {
				t.Fatal("expected validation errors")
			}
			if !strings.Contains(def.Errors[0].Message, tt.wantMsg) {
				t.Errorf("expected %q in %q", tt.wantMsg, def.Errors[0].Message)
			}
			if !engine.IsValidationError(def.Err()) {
				t.Errorf("expected a validation error, got %v", def.Err())
			}
		})
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	cuePath := writeFile(t, dir, "a.cue", `
config: release: version: "9.1"
tasks: compose: {kind: "group", provides: ["tree"]}
`)
	yamlPath := writeFile(t, dir, "b.yaml", `
config:
  release:
    name: Example
tasks:
  zz.last:
    parent: compose
  compose.packages:
    parent: compose
    kind: command
    command:
      run: "true"
      env:
        LANG: C
`)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, ".hidden/c.cue", `tasks: hidden: {}`)

	def, err := NewLoader().Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(def.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", def.Errors)
	}

	if len(def.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", def.SourceFiles)
	}

	var ids []string
	for _, task := range def.Tasks {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "compose,zz.last,compose.packages" {
		t.Errorf("unexpected task order: %v", ids)
	}

	compose, _ := def.Task("compose")
	if compose.Source != cuePath {
		t.Errorf("expected compose from %s, got %s", cuePath, compose.Source)
	}
	pkgs, _ := def.Task("compose.packages")
	if pkgs.Source != yamlPath {
		t.Errorf("expected compose.packages from %s, got %s", yamlPath, pkgs.Source)
	}
	if pkgs.Command == nil || pkgs.Command.Env["LANG"] != "C" {
		t.Errorf("unexpected command: %+v", pkgs.Command)
	}

	if v, ok := def.Config.String("release.name"); !ok || v != "Example" {
		t.Errorf("expected merged release.name, got %q", v)
	}
	if v, ok := def.Config.String("release.version"); !ok || v != "9.1" {
		t.Errorf("expected merged release.version, got %q", v)
	}
}

func TestLoader_Conflict(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.cue", `config: release: version: "9.1"`)
	writeFile(t, dir, "b.json", `{"config": {"release": {"version": "9.2"}}}`)

	def, err := NewLoader().Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(def.Errors) == 0 {
		t.Fatal("expected a conflict error")
	}
}

func TestLoader_Sources(t *testing.T) {
	loader := NewLoader()
	ctx := context.Background()

	if _, err := loader.Load(ctx); err == nil {
		t.Error("expected error for no sources")
	}
	if _, err := loader.Load(ctx, filepath.Join(t.TempDir(), "missing.cue")); err == nil {
		t.Error("expected error for missing source")
	}

	def, err := loader.Load(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(def.Errors) != 1 || !strings.Contains(def.Errors[0].Message, "no definition files") {
		t.Errorf("unexpected errors: %v", def.Errors)
	}

	bad := writeFile(t, t.TempDir(), "bad.yaml", "tasks: [unclosed")
	def, err = loader.Load(ctx, bad)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(def.Errors) != 1 || def.Errors[0].File != bad {
		t.Errorf("unexpected errors: %v", def.Errors)
	}
}

func TestDocument_Lookup(t *testing.T) {
	def, err := NewLoader().LoadInline(sampleDefinition)
	if err != nil {
		t.Fatalf("LoadInline failed: %v", err)
	}
	doc := def.Config

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{path: "release.version", want: "9.1", wantOK: true},
		{path: "jobs", want: "4", wantOK: true},
		{path: "packages", want: "[kernel bash]", wantOK: true},
		{path: "release", want: "map[name:Example version:9.1]", wantOK: true},
		{path: "missing.path", wantOK: false},
		{path: "pending", wantOK: false},
		{path: "release..", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := doc.Lookup(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if s := fmt.Sprint(got); s != tt.want {
				t.Errorf("Lookup(%q) = %s, want %s", tt.path, s, tt.want)
			}
		})
	}

	var pkgs []string
	if err := doc.Decode("packages", &pkgs); err != nil || len(pkgs) != 2 {
		t.Errorf("Decode failed: %v %v", pkgs, err)
	}
	if err := doc.Decode("missing", &pkgs); err == nil {
		t.Error("expected error decoding a missing path")
	}

	var nilDoc *Document
	if _, ok := nilDoc.Lookup("x"); ok {
		t.Error("nil document should have no values")
	}
}

func TestDocument_LookupNumbers(t *testing.T) {
	def, err := NewLoader().LoadInline(`
config: {
	serial: 9007199254740993
	huge:   18446744073709551617
	ratio:  0.5
	sizes: [1, 2.5]
}
tasks: {}
`)
	if err != nil {
		t.Fatalf("LoadInline failed: %v", err)
	}
	if errs := def.Errors; len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	tests := []struct {
		path string
		want any
	}{
		{"serial", int64(9007199254740993)},
		{"huge", json.Number("18446744073709551617")},
		{"ratio", 0.5},
		{"sizes", []any{int64(1), 2.5}},
	}
	for _, tt := range tests {
		got, ok := def.Config.Lookup(tt.path)
		if !ok {
			t.Fatalf("Lookup(%q) not found", tt.path)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Lookup(%q) = %#v, want %#v", tt.path, got, tt.want)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{Message: "boom"}, "boom"},
		{ValidationError{File: "a.cue", Line: 3, Column: 5, Message: "boom"}, "a.cue:3:5: boom"},
		{ValidationError{File: "a.cue", Path: "tasks.a", Message: "boom"}, "a.cue: tasks.a: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if got := strings.Join(sr.ListSchemas(), ","); got != "#Command,#Task" {
		t.Errorf("unexpected schemas: %s", got)
	}

	if err := sr.ValidateTask(ctx, TaskConfig{ID: "a", Kind: KindGroup}); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}
	if err := sr.ValidateTask(ctx, TaskConfig{ID: "bad id"}); err == nil {
		t.Error("expected id pattern violation")
	}
	if err := sr.ValidateTask(ctx, TaskConfig{ID: "a", Provides: []string{"has space"}}); err == nil {
		t.Error("expected capability pattern violation")
	}
	if err := sr.ValidateAgainstSchema(ctx, "#Missing", TaskConfig{}); err == nil {
		t.Error("expected error for unknown schema")
	}

	if err := sr.RegisterSchema("#Profile", `#Profile: {arch: "x86_64" | "aarch64"}`); err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "#Profile", map[string]string{"arch": "riscv"}); err == nil {
		t.Error("expected custom schema violation")
	}
	if err := sr.RegisterSchema("#Other", `#Profile: {}`); err == nil {
		t.Error("expected error when the definition is missing")
	}
}
