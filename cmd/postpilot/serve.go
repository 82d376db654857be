package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"postpilot/internal/app"
)

var serveStopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the account daemons, periodic jobs, notifier and ops API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := a.Start(ctx); err != nil {
			stopApp(a, app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}
		notifySystemd(sddaemon.SdNotifyReady)
		go watchdog(ctx)

		reason := app.StopUnknown
		select {
		case sig := <-sigCh:
			reason = app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}

		notifySystemd(sddaemon.SdNotifyStopping)
		stopApp(a, reason)
		if reason == app.StopFatalError {
			if err := a.Err(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveStopTimeout, "stop-timeout", 45*time.Second, "upper bound for a graceful shutdown")
}

func stopApp(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), serveStopTimeout)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		printWarning("stop: %v", err)
	}
}

// notifySystemd is a no-op outside a systemd unit.
func notifySystemd(state string) {
	_, _ = sddaemon.SdNotify(false, state)
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context) {
	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notifySystemd(sddaemon.SdNotifyWatchdog)
		}
	}
}
