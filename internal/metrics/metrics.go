// Package metrics holds the process-wide counters of the bidding core and
// exposes them in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	BidsAccepted = metrics.NewCounter("auction_bids_accepted_total")
	BidsRaced    = metrics.NewCounter("auction_bids_raced_total")

	CommandsPublished    = metrics.NewCounter("auction_commands_published_total")
	CommandsPublishFail  = metrics.NewCounter("auction_commands_publish_failed_total")
	CommandsDuplicate    = metrics.NewCounter("auction_commands_duplicate_total")
	CommandsDeadLettered = metrics.NewCounter("auction_commands_dead_lettered_total")

	SchedulerTicks = metrics.NewCounter("auction_scheduler_ticks_total")

	RecoveryAttempts = metrics.NewCounter("auction_recovery_attempts_total")
	RecoveryFailures = metrics.NewCounter("auction_recovery_exhausted_total")
)

var fastPathHealthy atomic.Int64

func init() {
	metrics.NewGauge("auction_fastpath_healthy", func() float64 {
		return float64(fastPathHealthy.Load())
	})
}

// SetFastPathHealthy records the last observed fast-path reachability.
func SetFastPathHealthy(ok bool) {
	if ok {
		fastPathHealthy.Store(1)
		return
	}
	fastPathHealthy.Store(0)
}

// BidRejected counts a rejected bid by rule.
func BidRejected(rule string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`auction_bids_rejected_total{rule=%q}`, rule)).Inc()
}

// CommandApplied counts a command applied to the durable store.
func CommandApplied(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`auction_commands_applied_total{kind=%q}`, kind)).Inc()
}

// HTTPError counts an error response by error kind.
func HTTPError(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`auction_http_errors_total{kind=%q}`, kind)).Inc()
}

// Transition counts a lifecycle transition into status.
func Transition(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`auction_transitions_total{to=%q}`, status)).Inc()
}

// Write dumps all metrics in Prometheus text format.
func Write(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
