package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ for cron schedules
}

// Job is the callback run by the engine when a trigger fires.
type Job = func(ctx context.Context) error

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

// onceDef survives Stop/Start; timer is only set while the service runs.
type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	loc *time.Location

	engine *engine.Service

	parser  cron.Parser
	c       *cron.Cron
	defs    []cronDef
	running bool

	tmu  sync.Mutex
	once map[string]*onceDef
	ver  uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string

	// One-shot triggers waiting to fire.
	Pending  int
	NextOnce time.Time

	Schedules []ScheduleInfo
	Engine    engine.Snapshot
}
