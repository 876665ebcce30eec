package storageio

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPrometheusNamespace prefixes every exported series
const DefaultPrometheusNamespace = "io_monitor"

// PrometheusExporter publishes the latest congestion summary and device windows
// on its own registry
type PrometheusExporter struct {
	registry *prometheus.Registry

	systemStatus   prometheus.Gauge
	guestDevices   prometheus.Gauge
	guestStatus    *prometheus.GaugeVec
	backendStatus  *prometheus.GaugeVec
	guestAwait     *prometheus.GaugeVec
	backendIOPS    *prometheus.GaugeVec
	deviceAwait    *prometheus.GaugeVec
	deviceIOPS     *prometheus.GaugeVec
	deviceStatus   *prometheus.GaugeVec
	alarmActions   *prometheus.CounterVec
	raisedAlarm    prometheus.Gauge
	lastCycleStamp prometheus.Gauge

	mu sync.Mutex
}

// NewPrometheusExporter creates an exporter under namespace
func NewPrometheusExporter(namespace string) *PrometheusExporter {
	if namespace == "" {
		namespace = DefaultPrometheusNamespace
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusExporter{
		registry: registry,
		systemStatus: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_status",
			Help:      "Congestion status of the backend (0=normal, 1=building, 2=congested)",
		}),
		guestDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_devices",
			Help:      "Guest volumes tracked in the last cycle",
		}),
		guestStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_devices_by_status",
			Help:      "Guest volumes per congestion status",
		}, []string{"status"}),
		backendStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_devices_by_status",
			Help:      "Tracked backend devices per congestion status",
		}, []string{"status"}),
		guestAwait: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_await_milliseconds",
			Help:      "Mean guest await per averaging window",
		}, []string{"window"}),
		backendIOPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_iops",
			Help:      "Mean backend IOPS per averaging window",
		}, []string{"window"}),
		deviceAwait: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_await_milliseconds",
			Help:      "Device await per averaging window",
		}, []string{"device", "name", "role", "window"}),
		deviceIOPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_iops",
			Help:      "Device IOPS per averaging window",
		}, []string{"device", "name", "role", "window"}),
		deviceStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_status",
			Help:      "Device congestion status (0=normal, 1=building, 2=congested)",
		}, []string{"device", "name", "role"}),
		alarmActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_actions_total",
			Help:      "Congestion alarm raises and clears",
		}, []string{"action", "category", "outcome"}),
		raisedAlarm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raised_alarm_category",
			Help:      "Category of the raised congestion alarm (0=none, 1=building, 2=congested)",
		}),
		lastCycleStamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last analyzed cycle",
		}),
	}
}

// Observe publishes one cycle. Per-device series of evicted devices are dropped.
func (e *PrometheusExporter) Observe(summary CongestionSummary, devices []DeviceSnapshot, unixSeconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.systemStatus.Set(float64(summary.Status))
	e.guestDevices.Set(float64(summary.GuestCount))
	for _, s := range []Status{StatusNormal, StatusBuilding, StatusCongested} {
		e.guestStatus.WithLabelValues(s.String()).Set(float64(summary.GuestCounts.Get(s)))
		e.backendStatus.WithLabelValues(s.String()).Set(float64(summary.BackendCounts.Get(s)))
	}
	for i, w := range Windows {
		e.guestAwait.WithLabelValues(w.String()).Set(summary.GuestAwaitAvg[i])
		e.backendIOPS.WithLabelValues(w.String()).Set(summary.BackendIOPSAvg[i])
	}

	e.deviceAwait.Reset()
	e.deviceIOPS.Reset()
	e.deviceStatus.Reset()
	for _, d := range devices {
		e.deviceStatus.WithLabelValues(d.Node, d.Name, d.Role).Set(float64(d.Status))
		for i, w := range Windows {
			e.deviceAwait.WithLabelValues(d.Node, d.Name, d.Role, w.String()).Set(d.AwaitAvg[i])
			e.deviceIOPS.WithLabelValues(d.Node, d.Name, d.Role, w.String()).Set(d.IOPSAvg[i])
		}
	}

	e.lastCycleStamp.Set(unixSeconds)
}

// RecordAlarmActions counts raises and clears and publishes the raised category
func (e *PrometheusExporter) RecordAlarmActions(actions []AlarmAction, raised Status) {
	e.raisedAlarm.Set(float64(raised))
	for _, a := range actions {
		outcome := "success"
		if a.Err != nil {
			outcome = "failure"
		}
		e.alarmActions.WithLabelValues(a.Action, a.Category.String(), outcome).Inc()
	}
}

// Registry returns the exporter's registry
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the exposition format
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
