// Package config loads build definitions for distbuild.
//
// # Overview
//
// A build definition has two parts: the distribution configuration under
// "config", which tasks query by dotted path, and the task list under
// "tasks". Definitions are written in CUE, YAML or JSON. When several files
// or directories are given they are merged by CUE unification, so a task
// declared in one file may be refined in another.
//
// # Definition Structure
//
//	config: {
//	    release: {
//	        name:    "Example"
//	        version: "9.1"
//	    }
//	    packages: ["kernel", "bash"]
//	}
//
//	tasks: {
//	    compose: {kind: "group", provides: ["tree"]}
//	    "compose.packages": {
//	        parent:   "compose"
//	        kind:     "command"
//	        requires: ["repos"]
//	        command: run: "dnf install --installroot=out/tree $PACKAGES"
//	        outputs: ["out/tree"]
//	        watch_config: ["packages"]
//	    }
//	}
//
// Tasks may also be given as a list, in which case every entry needs an
// explicit id. Declaration order is the registration order used to break
// ties between otherwise unordered tasks.
//
// # Validation
//
// Each task entry is checked against the built-in #Task CUE schema and then
// against the validator struct tags on TaskConfig. Problems are collected
// in Definition.Errors with file and line information where available.
//
//	loader := config.NewLoader()
//	def, err := loader.Load(ctx, "build.cue", "overrides.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := def.Err(); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// SchemaRegistry is safe for concurrent use. Loader and Document are not.
package config
