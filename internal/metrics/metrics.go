// Package metrics exposes Prometheus instrumentation for the alerting core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Alert lifecycle metrics
	AlertsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_alerts_active",
			Help: "Number of currently open alerts by severity",
		},
		[]string{"severity"},
	)

	AlertsAdmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_admitted_total",
			Help: "Total number of alerts admitted by severity",
		},
		[]string{"severity"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_resolved_total",
			Help: "Total number of alerts resolved by reason class",
		},
		[]string{"reason"},
	)

	AlertsAcknowledgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_alerts_acknowledged_total",
			Help: "Total number of alerts acknowledged",
		},
	)

	AlertsMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_alerts_merged_total",
			Help: "Total number of ingress events merged into open alerts",
		},
	)

	AlertDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_alert_duration_seconds",
			Help:    "Duration of alerts from admission to resolution",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		},
		[]string{"severity"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_escalations_total",
			Help: "Total number of escalation steps fired by trigger",
		},
		[]string{"trigger"},
	)

	// Suppression metrics
	SuppressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_suppressions_total",
			Help: "Total number of suppressed ingress events by reason",
		},
		[]string{"reason"}, // maintenance_window, cooldown, duplicate
	)

	// Ingress metrics
	IngressRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_ingress_rejected_total",
			Help: "Total number of rejected ingress events by reason",
		},
		[]string{"reason"}, // malformed, backlog
	)

	EngineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_engine_queue_depth",
			Help: "Events queued across engine shards",
		},
	)

	// Notification metrics
	NotificationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_notification_attempts_total",
			Help: "Total notification delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // delivered, transient, permanent
	)

	NotificationsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_notifications_terminal_total",
			Help: "Total notification jobs reaching a terminal state",
		},
		[]string{"status"}, // delivered, failed, cancelled
	)

	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_dispatch_queue_depth",
			Help: "Jobs waiting in the dispatcher by queue",
		},
		[]string{"queue"}, // ready, delayed
	)

	// Remediation metrics
	RemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_remediations_total",
			Help: "Total remediation executions reaching a terminal state",
		},
		[]string{"status"}, // success, failed, timeout, cancelled
	)

	RemediationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_remediation_duration_seconds",
			Help:    "Wall-clock duration of remediation executions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Store metrics
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_store_errors_total",
			Help: "Total store errors by class",
		},
		[]string{"class"}, // unavailable, version_mismatch
	)

	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_store_degraded",
			Help: "1 while the store has been unavailable past the failure threshold",
		},
	)
)
