package runtime

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/airlift-ota/airlift/pkg/logger"
)

type sweeper interface {
	Sweep()
}

// janitor periodically evicts expired entries from the in-memory response
// cache. Redis expires entries itself, so the janitor only runs for the
// embedded cache.
type janitor struct {
	cron *cron.Cron
	log  *logger.Logger
}

func newJanitor(target sweeper, schedule string, log *logger.Logger) (*janitor, error) {
	if log == nil {
		log = logger.NewDefault("janitor")
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		target.Sweep()
		log.Debug("cache sweep complete")
	})
	if err != nil {
		return nil, err
	}
	return &janitor{cron: c, log: log}, nil
}

func (j *janitor) Name() string { return "cache-janitor" }

func (j *janitor) Start(context.Context) error {
	j.cron.Start()
	return nil
}

func (j *janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
