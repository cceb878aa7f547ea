// Package tasks binds the built-in task kinds of a build definition to the
// dispatcher.
//
// Every task entry gets a hook that watches the inputs, outputs, config
// paths and published variables the entry declares. On top of that:
//
//   - group and kind-less tasks only watch; their real work, if any, comes
//     from hooks registered in Go.
//   - command tasks run a shell command in the Run phase and publish the
//     content of files as variables in Apply.
//   - script tasks load a Starlark module that may define setup, clean,
//     check, run, apply and recover functions. Each receives a ctx value
//     with config(), var(), publish(), watch_*(), changes(), workdir() and
//     exit().
//
// Relative paths are resolved against the binder's base directory.
package tasks
