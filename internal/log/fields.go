// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldAccount       = "account"
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldIntentID      = "intent_id"
	FieldFingerprint   = "fingerprint"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldPort      = "port"
	FieldChannel   = "channel"

	// State fields
	FieldOldPhase  = "old_phase"
	FieldNewPhase  = "new_phase"
	FieldOldHealth = "old_health"
	FieldNewHealth = "new_health"

	// Trading fields
	FieldSymbol    = "symbol"
	FieldAction    = "action"
	FieldQuantity  = "quantity"
	FieldOrderKind = "order_kind"

	// Probe / health fields
	FieldProbeLayer = "probe_layer"
	FieldLatencyMS  = "latency_ms"
	FieldSeverity   = "severity"
)
