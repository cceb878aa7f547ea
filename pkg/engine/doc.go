// Package engine provides the task model, dependency resolver and dispatcher
// of the distbuild orchestrator.
//
// # Tasks
//
// A Task is a unit of work with an id, the capabilities it provides and
// requires, and an optional parent. Children of a task form a nested scope
// ("tier"). Groups propagate their disabled state to descendants that are
// not protected. Tasks with HasPre or HasPost get "<id>.pre" and
// "<id>.post" companion tasks that collaborators hook independently.
//
// # Lifecycle
//
// Every visited task runs through the phases:
//
//  1. Setup - always; declares watched config, variables, inputs and outputs
//  2. Clean - only for forced tasks; removes outputs and the diff record
//  3. Check - decides staleness, by default through change detection
//  4. Run - only if the task is enabled and stale (or forced)
//  5. Apply - always; publishes variables and validates outputs
//
// Hooks are bound explicitly per (task id, phase) in a HookRegistry, or all
// at once by registering a Hook implementation.
//
// # Resolution
//
// The Resolver links every consumer of a capability to all of its providers
// and topologically sorts each scope, breaking ties by registration order.
// Requirements a child scope cannot satisfy bubble up to its parent.
//
// # Dispatching
//
//	d := engine.NewDispatcher(engine.WithStore(store))
//	_ = d.RegisterTask(engine.TaskSpec{ID: "compose", DependencyInfo: engine.DependencyInfo{Provides: []string{"tree"}}})
//	_ = d.RegisterHook("compose", composeHook)
//	if err := d.Commit(); err != nil { ... }
//	summary, err := d.Execute(ctx, engine.ExecuteOptions{Force: []string{"compose"}})
//
// Execution is sequential. The first failing task halts the run.
package engine
