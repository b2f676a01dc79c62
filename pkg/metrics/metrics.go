// Package metrics exposes the validity prover's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

var (
	DepositedEventsIngested = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "deposited_events_ingested_total",
		Help:      "L1 Deposited events persisted",
	})
	DepositLeavesIngested = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "deposit_leaves_ingested_total",
		Help:      "L2 DepositLeafInserted events persisted",
	})
	BlocksIngested = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "blocks_ingested_total",
		Help:      "L2 BlockPosted events persisted",
	})
	BlocksReconstructed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "blocks_reconstructed_total",
		Help:      "Blocks applied to the merkle forest",
	})
	TasksAssigned = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "prover_tasks_assigned_total",
		Help:      "Prover task assignments handed to workers",
	})
	TasksCompleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "prover_tasks_completed_total",
		Help:      "Prover tasks completed by workers",
	})
	TasksReset = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "prover_tasks_reset_total",
		Help:      "Prover tasks reset after lease expiry",
	})
	ProofsChained = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "validity_prover",
		Name:      "validity_proofs_chained_total",
		Help:      "Validity proofs appended to the chain",
	})
	LastReconstructedBlock = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "validity_prover",
		Name:      "last_reconstructed_block",
		Help:      "Highest block with a stored validity witness",
	})
	LastProvenBlock = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "validity_prover",
		Name:      "last_proven_block",
		Help:      "Highest block with a chained validity proof",
	})
)

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
