// Package recovery persists the state of in-flight operations so they can
// be resumed, or failed, after an agent restart.
//
// A Store keeps one record per id. Only the actor owning an operation kind
// writes its store, so implementations need no cross-process locking.
// Three implementations are provided: FileStore (one JSON file per record,
// the default on devices), SQLiteStore (a row in recovery_records) and
// MemoryStore (tests).
package recovery
