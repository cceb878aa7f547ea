// Package diff implements change detection for build tasks.
//
// Every task owns a Tracker. During Setup the task tells its tracker what to
// watch:
//
//   - config: query paths into the distribution configuration
//   - variables: named values produced by accessor functions
//   - input: files or directories the task consumes
//   - output: files or directories the task produces
//
// The tracker compares what it observes now with the Record persisted at the
// end of the last successful run. A task is stale when any category reports a
// change, or when no usable Record exists. After a successful Run the tracker
// commits a complete new Record; records are never partially updated.
//
// File changes are detected by size and modification time only. Two writes
// that land within the filesystem's timestamp granularity and leave the size
// unchanged are not detected.
package diff
