// Package scheduler owns the bot's triggers: daily cron housekeeping and
// named one-shot timers for publish, unpin, delete and report callbacks.
//
// Triggers never run work themselves. When one fires, its callback is
// submitted to the task engine, which serializes execution.
package scheduler
