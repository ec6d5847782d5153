// Package scheduler drives a role's cooperative tick loop (spec.md §4.7,
// component C7): one goroutine, no locks, a single select between the
// inbound packet channel and a re-armed timer.
package scheduler

import (
	"context"
	"time"

	"github.com/skywave-mesh/storeforward-node/internal/logger"
	"github.com/skywave-mesh/storeforward-node/internal/rolefactory"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// Scheduler runs a rolefactory.Role's run_once/on_receive cycle against an
// inbound packet channel, re-arming its timer with whatever delay the role
// last returned (spec.md §5 "single driver loop").
type Scheduler struct {
	role rolefactory.Role
	rx   transport.Receiver
}

// New returns a Scheduler driving role, fed by rx's inbound channel.
func New(role rolefactory.Role, rx transport.Receiver) *Scheduler {
	return &Scheduler{role: role, rx: rx}
}

// Run blocks, driving the role until ctx is canceled. A received packet
// always short-circuits the current wait and is handled immediately;
// run_once is then re-invoked to recompute the next delay, since handling
// a packet can change the role's state (spec.md §5 "no operation may
// block; long waits are expressed by returning a delay from run_once").
func (s *Scheduler) Run(ctx context.Context) {
	delay := s.role.RunOnce(ctx)
	for {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case p, ok := <-s.rx.Inbound():
			timer.Stop()
			if !ok {
				return
			}
			if err := s.role.OnReceive(ctx, p); err != nil {
				logger.DebugF("scheduler: on_receive error: %v", err)
			}
			delay = s.role.RunOnce(ctx)
		case <-timer.C:
			delay = s.role.RunOnce(ctx)
		}
	}
}
