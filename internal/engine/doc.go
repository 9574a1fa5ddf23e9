// Package engine is the public face of tether: a DataStore that saves and
// queries records locally and keeps them in sync with a remote.
//
// ARCHITECTURE:
//
// Local writes:
// Save, Delete and DeleteWhere commit the record change and its queued
// mutation in one transaction, then publish the change on the hub. A write
// never waits for the network.
//
// Background pipelines (started by Start, stopped by Stop):
//  1. Sender: drains the mutation queue to the remote in creation order.
//  2. Session: runs the initial sync, then applies live remote changes.
//
// Both publish on the same hub as local writes, so one Observe
// subscription sees local changes, remote changes, outbox acknowledgements,
// background errors and session state.
//
// Lifecycle:
// Start, Stop and Clear are serialised by one mutex. Storage is opened and
// set up lazily by the first operation that needs it. Without a remote the
// DataStore runs local-only: nothing is queued and Start starts nothing.
package engine
