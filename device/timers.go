// timers.go
//
// Timer management for pending handshakes, cookie secrets and sessions
//
// Contains:
// - Protocol timer constants
// - Periodic cookie secret rotation
// - Expiry of unanswered initiations
// - Session age checks for the transport layer

package device

import "time"

// Timer constants from WireGuard specification
const (
	REKEY_AFTER_TIME  = 120 * time.Second
	REJECT_AFTER_TIME = 180 * time.Second
	REKEY_TIMEOUT     = 5 * time.Second
)

// NeedsRekey reports whether the session is old enough that the initiator
// should start a new handshake.
func (s Session) NeedsRekey(now time.Time) bool {
	return s.Keys.IsInitiator && now.Sub(s.Keys.Created) >= REKEY_AFTER_TIME
}

// Expired reports whether the session keys must no longer be used
func (s Session) Expired(now time.Time) bool {
	return now.Sub(s.Keys.Created) >= REJECT_AFTER_TIME
}

// sweepInterval is how often pending handshakes are checked for expiry
func (d *Device) sweepInterval() time.Duration {
	if iv := d.rekeyTimeout / 5; iv < time.Second {
		return iv
	}
	return time.Second
}

// timerManager turns tickers into timer events for the main loop
func (d *Device) timerManager(timerChan chan<- TimerEvent) {
	d.logger.Debug("Timer manager started")

	rotate := time.NewTicker(d.cookieRotation)
	defer rotate.Stop()
	sweep := time.NewTicker(d.sweepInterval())
	defer sweep.Stop()

	for {
		var ev TimerEvent
		select {
		case <-rotate.C:
			ev = TimerEvent{Type: TimerEventRotateCookies}
		case <-sweep.C:
			ev = TimerEvent{Type: TimerEventExpirePending}
		case <-d.done:
			return
		}

		// Non-blocking send - drop timer event if main loop is overwhelmed
		select {
		case timerChan <- ev:
		default:
			d.logger.WithField("event", ev.Type).Debug("Timer event dropped - queue full")
		}
	}
}

// handleTimerEvent processes timer-based events
func (d *Device) handleTimerEvent(event TimerEvent) {
	switch event.Type {
	case TimerEventRotateCookies:
		if err := d.engine.Cookies().Rotate(); err != nil {
			d.logger.WithError(err).Error("Cookie secret rotation failed")
			return
		}
		d.logger.Debug("Cookie secret rotated")

	case TimerEventExpirePending:
		d.expirePending()
	}
}
