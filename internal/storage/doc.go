// Package storage is the durable SQLite store behind the scheduler.
//
// It keeps users, channels, tasks with their schedule rows and channel links, and
// the publication jobs table. The jobs table is the only state that must survive a
// restart exactly: live timers are rebuilt from it on startup.
package storage
