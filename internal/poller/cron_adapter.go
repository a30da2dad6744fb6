package poller

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RobfigCronEngine adapts robfig/cron/v3 to the CronEngine interface.
// A poll that is still running when its next tick comes is skipped.
type RobfigCronEngine struct {
	c *cron.Cron
}

// NewRobfigCronEngine creates a cron engine that accepts "@every <duration>"
// and standard 5-field expressions. Cron's own messages go to logger at
// debug level; nil uses the default slog logger.
func NewRobfigCronEngine(logger *slog.Logger) *RobfigCronEngine {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{l: logger}
	return &RobfigCronEngine{
		c: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// AddFunc adds a function to be called on the given schedule.
// Returns an entry ID that can be used with Remove.
func (r *RobfigCronEngine) AddFunc(spec string, cmd func()) (int, error) {
	id, err := r.c.AddFunc(spec, cmd)
	return int(id), err
}

// Remove removes a previously registered entry by ID.
func (r *RobfigCronEngine) Remove(id int) {
	r.c.Remove(cron.EntryID(id))
}

// Start begins the cron scheduler in its own goroutine.
func (r *RobfigCronEngine) Start() {
	r.c.Start()
}

// Stop halts the scheduler and waits for running jobs to return.
func (r *RobfigCronEngine) Stop() {
	<-r.c.Stop().Done()
}

// cronLogger routes cron.Logger calls to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
