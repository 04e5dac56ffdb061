package tagscepter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// A Poller periodically asks build services for the status of unfinished build jobs and reconciles them.
// Polls are throttled so a large amount of in-flight jobs does not flood the CI systems.
type Poller struct {
	engine *Engine
	config PollConfig

	cron    *cron.Cron
	limiter *rate.Limiter

	running sync.Mutex // Held while a poll round is in progress, rounds never overlap
}

// NewPoller creates a poller for the passed engine. It does nothing until started
func NewPoller(e *Engine, config PollConfig) *Poller {
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &Poller{
		engine:  e,
		config:  config,
		cron:    cron.New(),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Start schedules poll rounds according to the configured cron spec
func (p *Poller) Start() error {
	if _, err := p.cron.AddFunc(p.config.Schedule, func() {
		// Skip this round if the previous one is still busy
		if !p.running.TryLock() {
			p.engine.Log.Debug("Previous poll round still running, skipping")
			return
		}
		defer p.running.Unlock()
		p.poll(p.engine.ctx)
	}); err != nil {
		return errors.Join(fmt.Errorf("%w: invalid poll schedule %q", ErrInvalidArgument, p.config.Schedule), err)
	}
	p.cron.Start()
	return nil
}

// Stop stops scheduling poll rounds and waits for a running round to finish
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

// PollOnce runs a single poll round and returns the amount of build jobs whose status was queried
func (p *Poller) PollOnce(ctx context.Context) int {
	p.running.Lock()
	defer p.running.Unlock()
	return p.poll(ctx)
}

func (p *Poller) poll(ctx context.Context) int {
	e := p.engine
	jobs, err := e.Store.ListUnfinishedBuildJobs(ctx)
	if err != nil {
		e.Log.Errorf("Failed to list unfinished build jobs - %v", err)
		return 0
	}

	polled := 0
	for _, job := range jobs {
		if job.ExternalBuildID == "" {
			// Not triggered yet, nothing to ask for
			continue
		}
		service, ok := e.BuildServices[job.BuildService]
		if !ok {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return polled
		}
		log := e.taskLog(job.TaskID).WithField("build-id", job.ID)

		status, err := service.PollStatus(ctx, job.ExternalBuildID)
		polled++
		if ctx.Err() != nil {
			return polled
		}
		if err != nil {
			// Transient, the next round asks again
			log.Debugf("Failed to poll status of build %s - %v", job.ExternalBuildID, err)
			continue
		}
		if _, err := e.Reconcile(ctx, job.ID, status); err != nil {
			log.Warnf("Failed to reconcile polled status %q - %v", status, err)
		}
	}
	return polled
}
