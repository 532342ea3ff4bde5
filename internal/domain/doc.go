// Package domain holds the task, schedule, channel and job model shared by storage,
// the publisher and the Telegram surface.
package domain
