// Package metrics exposes Prometheus counters for the charging pipeline.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raterudder/chargerudder/pkg/types"
)

const namespace = "chargerudder"

// Result labels.
const (
	ResultOK               = "ok"
	ResultError            = "error"
	ResultSkipped          = "skipped"
	ResultInsufficientData = "insufficient_data"
	ResultUnknownVehicle   = "unknown_vehicle"
	ResultPluggedIn        = "plugged_in"
)

// Recorder records pipeline events.
type Recorder struct {
	gatherer prometheus.Gatherer

	priceRefreshes *prometheus.CounterVec
	windows        *prometheus.CounterVec
	telemetry      *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	overrides      *prometheus.CounterVec
}

// Configured returns a Recorder on the default registry.
func Configured() *Recorder {
	r, err := New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		panic(fmt.Sprintf("failed to register metrics: %v", err))
	}
	return r
}

// New registers the collectors on reg. Collectors that are already
// registered are reused.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Recorder, error) {
	r := &Recorder{
		gatherer: gatherer,
		priceRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_refreshes_total",
			Help:      "Day-ahead price refreshes by zone and result",
		}, []string{"zone", "result"}),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_selections_total",
			Help:      "Per-user optimal window selections by result",
		}, []string{"result"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_total",
			Help:      "Vehicle telemetry events by result",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Charging decisions by action and rule",
		}, []string{"action", "rule"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Vehicle commands by command and result",
		}, []string{"command", "result"}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrides_total",
			Help:      "Override flags by result",
		}, []string{"result"}),
	}

	for _, c := range []**prometheus.CounterVec{
		&r.priceRefreshes,
		&r.windows,
		&r.telemetry,
		&r.decisions,
		&r.dispatches,
		&r.overrides,
	} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*c = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return r, nil
}

// Handler serves the gathered metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// PriceRefresh records a refresh of zone.
func (r *Recorder) PriceRefresh(zone string, err error) {
	r.priceRefreshes.WithLabelValues(zone, result(err)).Inc()
}

// Window records one user's window selection outcome.
func (r *Recorder) Window(res string) {
	r.windows.WithLabelValues(res).Inc()
}

// Telemetry records a telemetry event outcome.
func (r *Recorder) Telemetry(res string) {
	r.telemetry.WithLabelValues(res).Inc()
}

// Decision records a policy decision.
func (r *Recorder) Decision(d types.Decision) {
	r.decisions.WithLabelValues(string(d.Action), string(d.Rule)).Inc()
}

// Dispatch records a command dispatch.
func (r *Recorder) Dispatch(command string, err error) {
	r.dispatches.WithLabelValues(command, result(err)).Inc()
}

// Override records an override consume attempt.
func (r *Recorder) Override(res string) {
	r.overrides.WithLabelValues(res).Inc()
}
