// Package bootstrap assembles the service from its parts and runs it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/Tyrowin/taskboard/internal/chat"
	"github.com/Tyrowin/taskboard/internal/config"
	"github.com/Tyrowin/taskboard/internal/control"
	"github.com/Tyrowin/taskboard/internal/dispatch"
	"github.com/Tyrowin/taskboard/internal/fanout"
	"github.com/Tyrowin/taskboard/internal/persistence"
	"github.com/Tyrowin/taskboard/internal/transport"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"github.com/samber/do"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App is a running service instance.
type App struct {
	cfg        *config.Config
	log        *zap.SugaredLogger
	store      *persistence.Store
	alloc      *chanalloc.Allocator
	engine     *workflow.Engine
	bus        chat.Bus
	hub        *fanout.Hub
	dispatcher *dispatch.Dispatcher
	requests   *transport.Server
	control    *control.Server

	cancel context.CancelFunc
	group  *errgroup.Group
	errc   chan error

	stopOnce sync.Once
	stopErr  error
}

// NewApp resolves every service from inj.
func NewApp(inj *do.Injector) (*App, error) {
	a := &App{}
	var err error
	if a.cfg, err = do.Invoke[*config.Config](inj); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := do.Invoke[*zap.Logger](inj)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a.log = log.Sugar()
	if a.store, err = do.Invoke[*persistence.Store](inj); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if a.alloc, err = do.Invoke[*chanalloc.Allocator](inj); err != nil {
		return nil, fmt.Errorf("channel allocator: %w", err)
	}
	if a.bus, err = do.Invoke[chat.Bus](inj); err != nil {
		return nil, fmt.Errorf("chat bus: %w", err)
	}
	a.engine = do.MustInvoke[*workflow.Engine](inj)
	a.hub = do.MustInvoke[*fanout.Hub](inj)
	a.dispatcher = do.MustInvoke[*dispatch.Dispatcher](inj)
	a.requests = do.MustInvoke[*transport.Server](inj)
	a.control = do.MustInvoke[*control.Server](inj)
	return a, nil
}

// Start restores the stored state, binds both ports and starts serving.
func (a *App) Start(ctx context.Context) error {
	snap, err := a.store.Load(ctx, a.alloc)
	if err != nil {
		return err
	}
	if err := a.engine.Restore(snap); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	if err := a.requests.Listen(); err != nil {
		return err
	}
	if err := a.control.Listen(); err != nil {
		_ = a.requests.Shutdown(ctx)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.group = new(errgroup.Group)
	a.errc = make(chan error, 2)

	go a.hub.Run()
	a.group.Go(func() error { return a.report("request port", a.requests.Serve()) })
	a.group.Go(func() error { return a.report("control port", a.control.Serve()) })
	if a.cfg.Snapshot.Interval > 0 {
		a.group.Go(func() error {
			a.snapshotLoop(runCtx, a.cfg.Snapshot.Interval)
			return nil
		})
	}

	a.log.Infow("taskboard started",
		"requestAddr", a.requests.Addr().String(),
		"controlAddr", a.control.Addr().String(),
		"chat", a.cfg.Chat.Backend,
		"users", len(snap.Users),
		"projects", len(snap.Projects),
	)
	return nil
}

func (a *App) report(name string, err error) error {
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		a.errc <- err
	}
	return err
}

// Err delivers the error of a server that stopped on its own.
func (a *App) Err() <-chan error { return a.errc }

// RequestAddr is the bound request port address.
func (a *App) RequestAddr() string { return a.requests.Addr().String() }

// ControlURL is the base URL of the control port.
func (a *App) ControlURL() string { return "http://" + a.control.Addr().String() }

// Engine exposes the workflow state.
func (a *App) Engine() *workflow.Engine { return a.engine }

// Bus is the chat bus the service announces on.
func (a *App) Bus() chat.Bus { return a.bus }

func (a *App) snapshotLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.Save(ctx, a.engine.Export()); err != nil {
				a.log.Errorw("periodic snapshot failed", "err", err)
			}
		}
	}
}

// Shutdown stops accepting work, drains in-flight requests, saves the
// state and releases every resource. Later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.shutdown(ctx) })
	return a.stopErr
}

func (a *App) shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	timeout := a.cfg.Server.ShutdownTimeout
	var errs []error

	if err := a.requests.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("request port: %w", err))
	}
	a.dispatcher.Wait()
	if err := a.control.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("control port: %w", err))
	}
	if err := a.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("fanout: %w", err))
	}
	if a.group != nil {
		_ = a.group.Wait()
	}

	if err := a.store.Save(ctx, a.engine.Export()); err != nil {
		errs = append(errs, fmt.Errorf("save snapshot: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chat bus: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.log.Info("taskboard stopped")
	return nil
}
