package collector

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	logindManager   = "org.freedesktop.login1.Manager"
	prepareForSleep = logindManager + ".PrepareForSleep"
)

// WakeMonitor turns logind PrepareForSleep(false) signals into wake
// notifications. Power supplies can change state while the machine is
// suspended without producing a uevent, so the daemon re-enumerates on wake.
type WakeMonitor struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
	wake    chan struct{}
	log     *slog.Logger
}

// NewWakeMonitor subscribes to logind sleep signals on conn, which should
// be a system bus connection.
func NewWakeMonitor(conn *dbus.Conn, logger *slog.Logger) (*WakeMonitor, error) {
	err := conn.AddMatchSignal(
		dbus.WithMatchInterface(logindManager),
		dbus.WithMatchMember("PrepareForSleep"),
	)
	if err != nil {
		return nil, err
	}

	m := newWakeMonitor(logger)
	m.conn = conn
	conn.Signal(m.signals)
	go m.listen()
	return m, nil
}

func newWakeMonitor(logger *slog.Logger) *WakeMonitor {
	return &WakeMonitor{
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		log:     logger,
	}
}

// Wake delivers one value per resume. Resumes that arrive while a previous
// one is still pending are coalesced.
func (m *WakeMonitor) Wake() <-chan struct{} {
	return m.wake
}

// Close stops the monitor.
func (m *WakeMonitor) Close() {
	close(m.done)
}

func (m *WakeMonitor) listen() {
	if m.conn != nil {
		defer m.conn.RemoveSignal(m.signals)
	}
	for {
		select {
		case sig := <-m.signals:
			m.handle(sig)
		case <-m.done:
			return
		}
	}
}

func (m *WakeMonitor) handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != prepareForSleep || len(sig.Body) < 1 {
		return
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if sleeping {
		m.log.Info("system going to sleep")
		return
	}
	m.log.Info("system woke up")
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
