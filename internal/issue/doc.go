// Package issue defines the issue model shared by the queue, workers, and
// orchestrator: the status and priority vocabularies, typed dependency
// edges, and the Tracker capability for reading and updating issues in
// whatever system owns them.
//
// Issue content is owned by the external tracker. Orchestration state
// references issues by ID only; everything here is a read model plus the
// narrow write surface (UpdateStatus) the orchestration loop needs.
//
// Two Tracker implementations ship with the package: MemoryTracker for
// tests and embedding, and FileTracker backed by a YAML backlog file for
// local runs. The Syncer mirrors terminal status to GitHub or Linear when
// an issue carries an upstream URL.
package issue
