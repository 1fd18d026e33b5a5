// Package storage keeps the history of finished jobs.
//
// Only outcomes are recorded. Queued jobs are never persisted.
package storage
