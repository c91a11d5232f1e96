package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestBookingMetricsObserve(t *testing.T) {
	m := NewBookingMetrics(prometheus.NewRegistry())
	m.ObserveBooking("confirmed")
	m.ObserveBooking("conflict")
	m.ObserveLifecycle("cancel", "ok")
	m.AddReconciled(3)
}

func TestBookingMetricsNilSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveBooking("confirmed")
	m.ObserveLifecycle("cancel", "ok")
	m.AddReconciled(1)
}
