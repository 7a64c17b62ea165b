package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/model"
)

type DispatcherOptions struct {
	ShutdownGrace time.Duration
	// MaxInFlight caps the requests being handled at once. Messages beyond
	// it get a busy notice.
	MaxInFlight int
}

// Dispatcher reads every gateway's message stream and runs each accepted
// message as its own goroutine, up to MaxInFlight of them.
type Dispatcher struct {
	pipeline *Pipeline
	gateways []chat.Gateway
	grace    time.Duration
	slots    *semaphore.Weighted
	log      *logging.Logger

	// watch is the resource watcher; nil disables it. It sets overloaded
	// while the process is above its critical limits.
	watch      func(ctx context.Context) error
	overloaded atomic.Bool

	inflight sync.WaitGroup
}

func NewDispatcher(p *Pipeline, gateways []chat.Gateway, opts DispatcherOptions, log *logging.Logger) *Dispatcher {
	n := opts.MaxInFlight
	if n <= 0 {
		n = 16
	}
	d := &Dispatcher{
		pipeline: p,
		gateways: gateways,
		grace:    opts.ShutdownGrace,
		slots:    semaphore.NewWeighted(int64(n)),
		log:      log,
	}
	d.watch = newResourceWatcher(log, &d.overloaded).run
	return d
}

// Run blocks until ctx is cancelled or a gateway fails. In-flight requests
// then get the grace period to finish before their context is cancelled; Run
// returns only after all of them have returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Requests outlive ctx by up to the grace period.
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	g, gctx := errgroup.WithContext(ctx)
	for _, gw := range d.gateways {
		g.Go(func() error {
			return d.listen(gctx, work, gw)
		})
	}
	if d.watch != nil {
		g.Go(func() error {
			return d.watch(gctx)
		})
	}

	err := g.Wait()
	d.drain(cancelWork)
	return err
}

func (d *Dispatcher) listen(ctx, work context.Context, gw chat.Gateway) error {
	msgs, err := gw.Listen(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrGateway, gw.Name(), err)
	}
	d.log.Infof("bot: listening on %s", gw.Name())

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %s: message stream closed", model.ErrGateway, gw.Name())
			}
			if len(d.pipeline.Accept(msg)) == 0 {
				continue
			}
			if d.overloaded.Load() {
				d.pipeline.Reject(work, gw, msg, fmt.Errorf("%w: resource limits reached", model.ErrBusy))
				continue
			}
			if !d.slots.TryAcquire(1) {
				d.pipeline.Reject(work, gw, msg, fmt.Errorf("%w: all request slots taken", model.ErrBusy))
				continue
			}
			d.inflight.Add(1)
			go d.handle(work, gw, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, gw chat.Gateway, msg chat.Message) {
	defer d.inflight.Done()
	defer d.slots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("bot: request %s/%s panicked: %v\n%s", msg.Platform, msg.ID, r, debug.Stack())
		}
	}()
	// Failures are already logged and reported to the user.
	_ = d.pipeline.Handle(ctx, gw, msg)
}

func (d *Dispatcher) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(d.grace):
		d.log.Warnf("bot: requests still running after %s, cancelling them", d.grace)
		cancel()
	}
	<-done
}
