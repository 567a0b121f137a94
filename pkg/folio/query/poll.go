// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PollConfig controls adaptive polling.
type PollConfig struct {
	// Interval applies while the consumer is active.
	Interval time.Duration

	// InactiveMultiplier scales Interval while inactive.
	InactiveMultiplier int

	// StartInactive begins in the inactive state.
	StartInactive bool
}

// DefaultPollConfig polls every 30s when active and every 150s when not.
var DefaultPollConfig = PollConfig{
	Interval:           30 * time.Second,
	InactiveMultiplier: 5,
}

func (c PollConfig) withDefaults(d PollConfig) PollConfig {
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.InactiveMultiplier <= 0 {
		c.InactiveMultiplier = d.InactiveMultiplier
	}
	return c
}

// Poller refetches one query on an interval that adapts to activity.
//
// # Description
//
// The timer for the next poll starts only after the previous poll
// finished, so two polls for the same key never overlap. The next poll is
// due one interval after the previous one finished; changing the
// activity applies the new interval to that same starting point, polling
// at once when it has already elapsed. Stop ends the goroutine and the
// subscription; no timer outlives it.
type Poller struct {
	mu       sync.Mutex
	active   bool
	cfg      PollConfig
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	unwatch  func()
	polls    atomic.Int64
}

// Poll watches p with fn and refetches it periodically.
func (q *Query[P, T]) Poll(p P, cfg PollConfig, fn func(State[T])) (*Poller, error) {
	cfg = cfg.withDefaults(q.client.poll)
	unwatch, err := q.Watch(p, fn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pl := &Poller{
		active:  !cfg.StartInactive,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		unwatch: unwatch,
	}
	go pl.run(ctx, func(ctx context.Context) {
		if _, err := q.Refetch(ctx, p); err != nil && ctx.Err() == nil {
			q.client.logger.Debug("poll failed", "endpoint", q.Name(), "error", err)
		}
	})
	return pl, nil
}

func (pl *Poller) run(ctx context.Context, poll func(context.Context)) {
	defer close(pl.done)

	last := time.Now()
	timer := time.NewTimer(pl.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			pl.polls.Add(1)
			poll(ctx)
			if ctx.Err() != nil {
				return
			}
			last = time.Now()
		}
		timer.Reset(max(time.Until(last.Add(pl.Interval())), 0))
	}
}

// SetActive switches between the active and inactive interval.
func (pl *Poller) SetActive(active bool) {
	pl.mu.Lock()
	changed := pl.active != active
	pl.active = active
	pl.mu.Unlock()
	if changed {
		select {
		case pl.wake <- struct{}{}:
		default:
		}
	}
}

// Active reports the current activity.
func (pl *Poller) Active() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.active
}

// Interval returns the wait before the next poll.
func (pl *Poller) Interval() time.Duration {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.active {
		return pl.cfg.Interval
	}
	return pl.cfg.Interval * time.Duration(pl.cfg.InactiveMultiplier)
}

// Polls returns how many polls have started.
func (pl *Poller) Polls() int64 { return pl.polls.Load() }

// Stop ends polling and waits for the poll in progress, if any, to
// return. Safe to call more than once.
func (pl *Poller) Stop() {
	pl.stopOnce.Do(func() {
		pl.cancel()
		<-pl.done
		pl.unwatch()
	})
}
