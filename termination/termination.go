// Package termination deals with the interactive termination signals, SIGINT and SIGTERM.
//
// Handle blocks a main func until a signal arrives. Register is for libraries
// that need to clean up when the process is interrupted: the signal is only
// subscribed to once per process, however many handlers are registered. After
// the handlers have run the signal is re-raised with the default behaviour
// restored so the process still exits, unless a Handle call is waiting, in
// which case exiting is left to the caller of Handle.
package termination

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var ErrTerminated = errors.New("terminated")

var signals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Handle blocks until a termination signal arrives, returning ErrTerminated, or
// until ctx is done, returning nil.
func Handle(ctx context.Context) error {
	return defaultDispatcher.handle(ctx)
}

// Register adds fn to the handlers run when the process receives SIGINT or SIGTERM.
// The returned func removes it again.
func Register(fn func(os.Signal)) (unregister func()) {
	return defaultDispatcher.register(fn, false)
}

var defaultDispatcher = newDispatcher(signal.Notify, reraise)

type dispatcher struct {
	notify  func(c chan<- os.Signal, sig ...os.Signal)
	reraise func(os.Signal)

	once sync.Once
	ch   chan os.Signal

	mu       sync.Mutex
	next     int
	handlers map[int]handler
}

type handler struct {
	fn func(os.Signal)
	// holds suppresses the re-raise while registered.
	holds bool
}

func newDispatcher(notify func(chan<- os.Signal, ...os.Signal), reraise func(os.Signal)) *dispatcher {
	return &dispatcher{
		notify:   notify,
		reraise:  reraise,
		ch:       make(chan os.Signal, 1),
		handlers: map[int]handler{},
	}
}

func (d *dispatcher) handle(ctx context.Context) error {
	quit := make(chan struct{}, 1)
	unregister := d.register(func(os.Signal) {
		select {
		case quit <- struct{}{}:
		default:
		}
	}, true)
	defer unregister()

	select {
	case <-quit:
		return ErrTerminated
	case <-ctx.Done():
		return nil
	}
}

func (d *dispatcher) register(fn func(os.Signal), holds bool) func() {
	d.once.Do(func() {
		if d.notify != nil {
			d.notify(d.ch, signals...)
		}
		go d.loop()
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.handlers[id] = handler{fn: fn, holds: holds}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

func (d *dispatcher) loop() {
	for sig := range d.ch {
		d.dispatch(sig)
	}
}

// dispatch runs every registered handler concurrently, waits for them all and
// then re-raises sig if no Handle call was waiting for it.
func (d *dispatcher) dispatch(sig os.Signal) {
	d.mu.Lock()
	fns := make([]func(os.Signal), 0, len(d.handlers))
	held := false
	for _, h := range d.handlers {
		fns = append(fns, h.fn)
		held = held || h.holds
	}
	d.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func(os.Signal)) {
			defer wg.Done()
			fn(sig)
		}(fn)
	}
	wg.Wait()

	if d.reraise != nil && !held {
		d.reraise(sig)
	}
}

func reraise(sig os.Signal) {
	signal.Reset(signals...)
	p, err := os.FindProcess(os.Getpid())
	if err == nil {
		err = p.Signal(sig)
	}
	if err != nil {
		os.Exit(1)
	}
}
