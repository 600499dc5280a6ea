package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Job is a long-running loop that returns when its context is cancelled.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator supervises the process's loops: the command consumer, the
// tick loop, the HTTP server and the archive cron, depending on mode.
type Orchestrator struct {
	jobs   []Job
	logger *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger}
}

// Add registers a job. It must be called before Run.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.jobs = append(o.jobs, Job{Name: name, Run: run})
}

// Jobs returns the registered job names.
func (o *Orchestrator) Jobs() []string {
	names := make([]string, len(o.jobs))
	for i, j := range o.jobs {
		names[i] = j.Name
	}
	return names
}

// Run starts all jobs as concurrent goroutines using an errgroup. If any job
// returns while the context is still live, the errgroup cancels the others
// and Run returns that job's error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting", slog.Any("jobs", o.Jobs()))

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range o.jobs {
		g.Go(func() error {
			o.logger.Info("job started", slog.String("job", job.Name))
			err := job.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err == nil {
				err = fmt.Errorf("exited unexpectedly")
			}
			return fmt.Errorf("%s: %w", job.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
