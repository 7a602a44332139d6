// Package app wires all Huddle subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and binds every listener, Run drives them until the context is
// cancelled, and Shutdown tears everything down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/huddle/internal/chat"
	"github.com/MrWong99/huddle/internal/config"
	"github.com/MrWong99/huddle/internal/control"
	"github.com/MrWong99/huddle/internal/eventlog"
	"github.com/MrWong99/huddle/internal/health"
	"github.com/MrWong99/huddle/internal/media/audio"
	"github.com/MrWong99/huddle/internal/media/video"
	"github.com/MrWong99/huddle/internal/observe"
	"github.com/MrWong99/huddle/internal/protocol"
	"github.com/MrWong99/huddle/internal/registry"
	"github.com/MrWong99/huddle/internal/transfer"
)

// shutdownBudget is the per-subsystem teardown allowance.
const shutdownBudget = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics *observe.Metrics
	events  *eventlog.Log
	reg     *registry.Registry
	chat    *chat.Engine
	broker  *transfer.Broker
	control *control.Server
	audio   *audio.Engine
	video   *video.Engine

	metricsSrv *http.Server

	stopOnce sync.Once
}

// New wires the subsystems in dependency order and binds every listener.
// Any bind failure is returned immediately; nothing has started running
// yet, and anything bound before the failure is released again.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: observe.DefaultMetrics(),
		reg:     registry.New(),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeBound()
		}
	}()

	events, err := eventlog.Open(cfg.Log.Dir)
	if err != nil {
		return nil, fmt.Errorf("app: open event log: %w", err)
	}
	a.events = events

	a.chat = chat.NewEngine(a.metrics, a.events)

	a.broker, err = transfer.NewBroker(cfg.Server.Host, cfg.Transfer, a.events, a.metrics, log,
		func(fid, filename string, size int64, offererUID uint32, offererName string) {
			a.chat.Publish(protocol.FileAvailable(fid, filename, size, offererUID, offererName))
		})
	if err != nil {
		return nil, err
	}

	a.control = control.NewServer(addr(cfg.Server.Host, cfg.Server.ControlPort),
		a.reg, a.chat, a.broker, a.events, a.metrics, log)
	if err := a.control.Listen(); err != nil {
		return nil, err
	}

	a.audio = audio.NewEngine(a.reg, a.metrics, log)
	if err := a.audio.Listen(addr(cfg.Server.Host, cfg.Media.AudioPort)); err != nil {
		return nil, err
	}

	a.video = video.NewEngine(a.reg, a.metrics, log)
	if err := a.video.Listen(addr(cfg.Server.Host, cfg.Media.VideoPort)); err != nil {
		return nil, err
	}

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(health.DirWritable("uploads", cfg.Transfer.UploadDir)).Register(mux)
		a.metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	}

	ok = true
	return a, nil
}

// closeBound releases whatever New managed to bind before failing.
// None of the subsystems have goroutines running at that point, so
// closing the sockets is all there is to undo.
func (a *App) closeBound() {
	if a.video != nil {
		a.video.Close()
	}
	if a.audio != nil {
		a.audio.Close()
	}
	if a.control != nil {
		a.control.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
}

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them fails fatally.
func (a *App) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return a.control.Serve(egCtx) })
	eg.Go(func() error { return a.audio.Run(egCtx) })
	eg.Go(func() error { return a.video.Run(egCtx) })

	if a.metricsSrv != nil {
		eg.Go(func() error {
			err := a.metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: metrics server: %w", err)
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
			defer cancel()
			return a.metricsSrv.Shutdown(shutdownCtx)
		})
		a.log.Info("metrics endpoint up", "addr", a.cfg.Server.MetricsAddr)
	}

	a.log.Info("huddle running",
		"control", addr(a.cfg.Server.Host, a.cfg.Server.ControlPort),
		"audio", addr(a.cfg.Server.Host, a.cfg.Media.AudioPort),
		"video", addr(a.cfg.Server.Host, a.cfg.Media.VideoPort),
	)
	return eg.Wait()
}

// Shutdown stops the subsystems in reverse start order, each with its own
// time budget. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		steps := []struct {
			name string
			stop func(context.Context) error
		}{
			{"control", a.control.Shutdown},
			{"transfer", a.broker.Shutdown},
			{"eventlog", func(context.Context) error { return a.events.Close() }},
		}
		for _, step := range steps {
			stepCtx, cancel := context.WithTimeout(ctx, shutdownBudget)
			if err := step.stop(stepCtx); err != nil {
				a.log.Warn("subsystem shutdown error", "subsystem", step.name, "error", err)
				errs = append(errs, err)
			}
			cancel()
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// Registry exposes the participant registry, mainly for tests.
func (a *App) Registry() *registry.Registry {
	return a.reg
}

// ControlAddr returns the bound control listener address.
func (a *App) ControlAddr() net.Addr {
	return a.control.Addr()
}

func addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
