// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlstcp

import "sync"

// Loop is the single-threaded reactor that owns every connection built on
// it. All transport callbacks are dispatched by Run, so driver state needs
// no locks. Blocking socket calls run on helper goroutines that post their
// results back here.
type Loop struct {
	tasks    chan func()
	stop     chan struct{}
	stopOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan func(), 256),
		stop:  make(chan struct{}),
	}
}

// Run dispatches posted functions until Stop is called. Call it from exactly
// one goroutine; that goroutine becomes the loop.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.stop:
			return
		}
	}
}

// Post schedules fn on the loop goroutine. Safe to call from any goroutine.
// After Stop, posts are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.stop:
	}
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
