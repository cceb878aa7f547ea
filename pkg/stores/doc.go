// Package stores provides persistence for diff records and run history.
//
// XMLStore keeps one XML document per task in a metadata directory and is the
// default backend. SQLiteStore keeps records in a single SQLite database with
// WAL mode and embedded migrations, and additionally records run history that
// HistoryObserver feeds from the dispatcher.
package stores
