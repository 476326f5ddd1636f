package cfw

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Reloader coordinates runtime reloads of detection rules and the CA pair.
// SIGHUP triggers a full reload; an optional interval ticker re-pulls rules
// from their sources so external changes (e.g. database edits) show up
// without a signal.
type Reloader struct {
	// Pipeline is reloaded from its rule sources. Optional.
	Pipeline *ReloadablePipeline

	// Certs is reloaded from CACertPath/CAKeyPath when both are set. The
	// leaf cache is flushed because old leaves were signed by the old CA.
	Certs      *CertManager
	CACertPath string
	CAKeyPath  string

	// Logger for reload events.
	Logger *slog.Logger
}

// Reload performs one full reload pass. Rule and CA failures are collected
// so one failing source does not mask the other.
func (r *Reloader) Reload(ctx context.Context) error {
	var errs []error

	if r.Pipeline != nil {
		if err := r.Pipeline.Load(ctx); err != nil {
			errs = append(errs, err)
			r.logger().Error("rule reload failed", "error", err)
		} else {
			r.logger().Info("rules reloaded", "count", r.Pipeline.RuleCount())
		}
	}

	if r.Certs != nil && r.CACertPath != "" && r.CAKeyPath != "" {
		if err := r.Certs.Reload(r.CACertPath, r.CAKeyPath); err != nil {
			errs = append(errs, err)
			r.logger().Error("CA reload failed", "error", err)
		} else {
			r.logger().Info("CA reloaded", "cert", r.CACertPath)
		}
	}

	return errors.Join(errs...)
}

// WatchSignals reloads on SIGHUP until the context is cancelled.
func (r *Reloader) WatchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				r.logger().Info("SIGHUP received, reloading")
				_ = r.Reload(ctx)
			}
		}
	}()
}

// WatchInterval re-pulls rules from their sources on a fixed interval until
// the context is cancelled. A zero or negative interval disables the ticker.
func (r *Reloader) WatchInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.Pipeline == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Pipeline.Load(ctx); err != nil {
					r.logger().Warn("periodic rule reload failed", "error", err)
				}
			}
		}
	}()
}

func (r *Reloader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
