// Package metrics exports the daemon's power state as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/engine"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

var deviceLabels = []string{"native_path", "type"}

// Metrics holds the power supply collectors. Device gauges follow engine
// notifications; status gauges and counters are updated by Observe after
// every recomputation. Both must be called from the engine's writer.
type Metrics struct {
	reg *prometheus.Registry

	OnBattery            prometheus.Gauge
	OnLowBattery         prometheus.Gauge
	AggregatePercentage  prometheus.Gauge
	DevicePercentage     *prometheus.GaugeVec
	DeviceVoltage        *prometheus.GaugeVec
	DevicePresent        *prometheus.GaugeVec
	ClassificationErrors prometheus.Counter
	Recomputations       prometheus.Counter

	kinds map[string]device.Kind
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		OnBattery: factory.NewGauge(prometheus.GaugeOpts{
			Name: "power_supply_on_battery",
			Help: "1 if the system is running from battery",
		}),
		OnLowBattery: factory.NewGauge(prometheus.GaugeOpts{
			Name: "power_supply_on_low_battery",
			Help: "1 if the system is on battery and the aggregate charge is at or below the low threshold",
		}),
		AggregatePercentage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "power_supply_aggregate_percentage",
			Help: "Combined charge of all present batteries and UPS units in percent",
		}),
		DevicePercentage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "power_supply_device_percentage",
			Help: "Charge of a single battery or UPS in percent",
		}, deviceLabels),
		DeviceVoltage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "power_supply_device_voltage_volts",
			Help: "Present voltage of a battery in volts",
		}, deviceLabels),
		DevicePresent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "power_supply_device_present",
			Help: "1 if the device is physically present",
		}, deviceLabels),
		ClassificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "power_supply_classification_errors_total",
			Help: "Total number of device reports rejected by classification",
		}),
		Recomputations: factory.NewCounter(prometheus.CounterOpts{
			Name: "power_supply_recomputations_total",
			Help: "Total number of published power state recomputations",
		}),

		kinds: make(map[string]device.Kind),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Observe records the outcome of one recomputation.
func (m *Metrics) Observe(res engine.Result, st power.Status) {
	m.Recomputations.Inc()
	m.ClassificationErrors.Add(float64(len(res.Rejected)))
	m.setStatus(st)
}

func (m *Metrics) DeviceAdded(d device.Resolved) {
	m.setDevice(d)
}

func (m *Metrics) DeviceChanged(d device.Resolved) {
	m.setDevice(d)
}

func (m *Metrics) DeviceRemoved(nativePath string) {
	kind, ok := m.kinds[nativePath]
	if !ok {
		return
	}
	delete(m.kinds, nativePath)
	m.deleteDevice(nativePath, kind)
}

func (m *Metrics) deleteDevice(nativePath string, kind device.Kind) {
	labels := []string{nativePath, kind.String()}
	m.DevicePercentage.DeleteLabelValues(labels...)
	m.DeviceVoltage.DeleteLabelValues(labels...)
	m.DevicePresent.DeleteLabelValues(labels...)
}

func (m *Metrics) StatusChanged(st power.Status) {
	m.setStatus(st)
}

func (m *Metrics) setStatus(st power.Status) {
	m.OnBattery.Set(boolFloat(st.OnBattery))
	m.OnLowBattery.Set(boolFloat(st.OnLowBattery))
	m.AggregatePercentage.Set(st.Percentage)
}

func (m *Metrics) setDevice(d device.Resolved) {
	if old, ok := m.kinds[d.NativePath]; ok && old != d.Kind {
		m.deleteDevice(d.NativePath, old)
	}
	m.kinds[d.NativePath] = d.Kind
	labels := []string{d.NativePath, d.Kind.String()}
	m.DevicePresent.WithLabelValues(labels...).Set(boolFloat(d.IsPresent))
	if d.Kind == device.KindMains {
		return
	}
	m.DevicePercentage.WithLabelValues(labels...).Set(d.Percentage)
	if d.Kind == device.KindBattery {
		m.DeviceVoltage.WithLabelValues(labels...).Set(d.Voltage)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
