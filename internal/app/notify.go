package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskclock/pkg/logx"
)

// Notifier reports service state to the init system.
type Notifier interface {
	Ready() (bool, error)
	Stopping() (bool, error)
	Watchdog() (bool, error)
	// WatchdogInterval is zero when no watchdog is configured.
	WatchdogInterval() (time.Duration, error)
}

// SystemdNotifier talks sd_notify over NOTIFY_SOCKET. Outside systemd every
// call is a no-op returning false.
type SystemdNotifier struct{}

func (SystemdNotifier) Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func (SystemdNotifier) Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func (SystemdNotifier) Watchdog() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

func (SystemdNotifier) WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// startWatchdog registers a clock job pinging the watchdog at half its timeout.
func (a *App) startWatchdog() error {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Systemd.Watchdog {
		return nil
	}
	interval, err := a.notifier.WatchdogInterval()
	if err != nil {
		return err
	}
	if interval <= 0 {
		a.log.Debug("watchdog requested but not enabled by the service manager")
		return nil
	}
	every := interval / 2
	_, err = a.clock.AddInterval("systemd.watchdog", every, func() {
		if _, err := a.notifier.Watchdog(); err != nil {
			a.log.Warn("watchdog ping failed", logx.Err(err))
		}
	})
	if err == nil {
		a.log.Info("watchdog enabled", logx.Duration("every", every))
	}
	return err
}
