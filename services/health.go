package services

import (
	"sync/atomic"
	"time"
)

// HealthMonitor is the process-wide activity aggregator. One instance is
// created at startup; workers and middleware bump its atomic counters and
// the reporting endpoints read a snapshot.
type HealthMonitor struct {
	totalRequests    atomic.Int64
	totalConversions atomic.Int64
	successful       atomic.Int64
	failed           atomic.Int64
	startTime        time.Time
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

func (h *HealthMonitor) IncrementRequests() {
	h.totalRequests.Add(1)
}

func (h *HealthMonitor) IncrementConversion(success bool) {
	h.totalConversions.Add(1)
	if success {
		h.successful.Add(1)
	} else {
		h.failed.Add(1)
	}
}

// HealthSnapshot is a read-only view of the monitor's counters.
type HealthSnapshot struct {
	UptimeSeconds         float64 `json:"uptime_seconds"`
	TotalConversions      int64   `json:"total_conversions"`
	SuccessfulConversions int64   `json:"successful_conversions"`
	FailedConversions     int64   `json:"failed_conversions"`
	SuccessRatePercent    float64 `json:"success_rate_percent"`
	TotalRequests         int64   `json:"total_requests"`
}

func (h *HealthMonitor) Snapshot() HealthSnapshot {
	total := h.totalConversions.Load()
	successful := h.successful.Load()

	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}

	return HealthSnapshot{
		UptimeSeconds:         time.Since(h.startTime).Seconds(),
		TotalConversions:      total,
		SuccessfulConversions: successful,
		FailedConversions:     h.failed.Load(),
		SuccessRatePercent:    rate,
		TotalRequests:         h.totalRequests.Load(),
	}
}
