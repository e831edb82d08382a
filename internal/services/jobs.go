package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"ticket-gate/monitoring"
)

type JobsConfig struct {
	RefundResumeInterval time.Duration
	MetricsInterval      time.Duration
	EdgeRefreshInterval  time.Duration
}

// Jobs runs the periodic maintenance work: resuming stuck refunds,
// publishing inventory gauges and refreshing the offline snapshots.
type Jobs struct {
	scheduler gocron.Scheduler
}

func NewJobs(cfg JobsConfig, refunds *RefundService, inventory *InventoryService, edge *EdgeValidator, monitor *monitoring.Monitor) (*Jobs, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	j := &Jobs{scheduler: s}

	if refunds != nil && cfg.RefundResumeInterval > 0 {
		err := j.add("refund-resume", cfg.RefundResumeInterval, func(ctx context.Context) {
			n, err := refunds.ResumeRefunds(ctx)
			if err != nil {
				log.Printf("Refund resume finished with errors (%d completed): %v", n, err)
				return
			}
			if n > 0 {
				log.Printf("Resumed %d refunds", n)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.MetricsInterval > 0 {
		err := j.add("inventory-gauges", cfg.MetricsInterval, func(ctx context.Context) {
			monitor.CollectRuntimeMetrics()
			if inventory == nil {
				return
			}
			if err := inventory.RefreshGauges(ctx); err != nil {
				log.Printf("Failed to refresh inventory gauges: %v", err)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if edge != nil && cfg.EdgeRefreshInterval > 0 {
		err := j.add("edge-refresh", cfg.EdgeRefreshInterval, func(ctx context.Context) {
			if err := edge.RefreshActive(ctx); err != nil {
				log.Printf("Failed to refresh edge snapshots: %v", err)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return j, nil
}

func (j *Jobs) add(name string, every time.Duration, fn func(ctx context.Context)) error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			defer cancel()
			fn(ctx)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (j *Jobs) Count() int {
	return len(j.scheduler.Jobs())
}

func (j *Jobs) Start() {
	j.scheduler.Start()
	log.Printf("Scheduler started with %d jobs", j.Count())
}

func (j *Jobs) Shutdown() error {
	return j.scheduler.Shutdown()
}
