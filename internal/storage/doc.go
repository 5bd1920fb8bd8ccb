// Package storage is the durable side of the relay: the audit log of every
// normalized event, the per-project routing/display configuration, and the
// chat registrations collected by the bot poller.
//
// Dispatch never depends on this data surviving; the audit log is recorded
// before dispatch and kept regardless of dispatch outcome.
package storage
