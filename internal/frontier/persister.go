package frontier

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StatePersistable is anything whose progress can be snapshotted.
type StatePersistable interface {
	PersistState(ctx context.Context) error
}

const defaultPersistInterval = 60 * time.Second

// StatePersister periodically snapshots frontier progress. A failed snapshot
// is logged and retried on the next tick; losing one snapshot is not fatal.
type StatePersister struct {
	target   StatePersistable
	interval time.Duration
	log      *zap.Logger
	done     chan struct{}
	stopped  chan struct{}
}

// NewStatePersister builds a persister for the given target.
func NewStatePersister(target StatePersistable, interval time.Duration, logger *zap.Logger) *StatePersister {
	if interval <= 0 {
		interval = defaultPersistInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatePersister{
		target:   target,
		interval: interval,
		log:      logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the snapshot loop. It returns immediately.
func (p *StatePersister) Start(ctx context.Context) {
	go func() {
		defer close(p.stopped)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				if err := p.target.PersistState(ctx); err != nil {
					p.log.Warn("Periodic state snapshot failed, will retry", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the loop and writes one final snapshot.
func (p *StatePersister) Stop(ctx context.Context) {
	close(p.done)
	<-p.stopped
	if err := p.target.PersistState(ctx); err != nil {
		p.log.Warn("Final state snapshot failed", zap.Error(err))
	}
}
