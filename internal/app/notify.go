package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/pkg/loom"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog pets the systemd watchdog from the main thread, so a
// wedged main loop lets systemd restart the unit. It returns nil when no
// watchdog is configured.
func startWatchdog(l *loom.Loom, log logx.Logger) (stop func(), err error) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return nil, err
	}
	period := every / 2
	if period < time.Millisecond {
		period = time.Millisecond
	}
	h, err := l.ForGlobal().RunSyncTimer(func(_ context.Context) error {
		sdNotify(log, daemon.SdNotifyWatchdog)
		return nil
	}, clock.Ticks(1), clock.Duration(period))
	if err != nil {
		return nil, err
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	return func() { h.Cancel() }, nil
}
