// Package worker runs the periodic cleanup of process-local state: idle
// broadcasts, rate-limit windows, OAuth states and finished challenges.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs housekeeping every five minutes.
const DefaultSchedule = "@every 5m"

// Job removes stale entries and returns how many it removed.
type Job struct {
	Name string
	Run  func() int
}

// Housekeeper runs its jobs on a cron schedule. Runs never overlap.
type Housekeeper struct {
	spec   string
	parser cron.Parser
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	c       *cron.Cron
	lastRun time.Time
}

// NewHousekeeper validates spec (standard cron or a descriptor such as
// "@every 5m"). An empty spec uses DefaultSchedule.
func NewHousekeeper(spec string, logger *zap.Logger) (*Housekeeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid housekeeping schedule %q: %w", spec, err)
	}
	return &Housekeeper{spec: spec, parser: parser, logger: logger}, nil
}

// Add registers a job. Jobs run in registration order.
func (h *Housekeeper) Add(name string, run func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, Job{Name: name, Run: run})
}

// RunOnce runs every job now and returns the removed counts by job name.
// A panicking job is logged and reported as -1; the others still run.
func (h *Housekeeper) RunOnce() map[string]int {
	h.mu.Lock()
	jobs := append([]Job(nil), h.jobs...)
	h.mu.Unlock()

	start := time.Now()
	out := make(map[string]int, len(jobs))
	total := 0
	for _, j := range jobs {
		n := h.run(j)
		out[j.Name] = n
		if n > 0 {
			total += n
		}
	}

	h.mu.Lock()
	h.lastRun = start
	h.mu.Unlock()

	if total > 0 {
		fields := []zap.Field{zap.Duration("took", time.Since(start)), zap.Int("removed", total)}
		for name, n := range out {
			fields = append(fields, zap.Int(name, n))
		}
		h.logger.Info("housekeeping", fields...)
	} else {
		h.logger.Debug("housekeeping: nothing to remove")
	}
	return out
}

func (h *Housekeeper) run(j Job) (n int) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("housekeeping job panicked", zap.String("job", j.Name), zap.Any("panic", r))
			n = -1
		}
	}()
	return j.Run()
}

// LastRun returns when RunOnce last started, or the zero time.
func (h *Housekeeper) LastRun() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRun
}

// Start schedules the jobs. Calling Start twice is a no-op.
func (h *Housekeeper) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(h.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(h.spec, func() { h.RunOnce() }); err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}
	c.Start()
	h.c = c
	h.logger.Info("housekeeping scheduled", zap.String("schedule", h.spec), zap.Int("jobs", len(h.jobs)))
	return nil
}

// Stop unschedules the jobs and waits for a running pass, or for ctx.
func (h *Housekeeper) Stop(ctx context.Context) error {
	h.mu.Lock()
	c := h.c
	h.c = nil
	h.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
