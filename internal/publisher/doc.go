// Package publisher turns tasks into publication jobs and runs them.
//
// A task's schedule rules are expanded into one scheduled job per rule and
// channel. Each job is stored first and then registered as a named one-shot
// callback; the stored row is the source of truth and the callback only
// points at it. Every edit of an active task cancels its scheduled jobs and
// re-expands them, and on startup the whole callback queue is rebuilt from
// the database.
package publisher
