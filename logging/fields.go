// Package logging provides centralized logging utilities for adagate.
// It defines standardized field names and helper functions to ensure
// consistent structured logging across all components.
package logging

// Standard field name constants for structured logging.
// Using constants ensures consistency and prevents typos across the codebase.
const (
	// Component identification
	FieldComponent = "component"

	// Session fields
	FieldSessionID = "session_id"
	FieldTier      = "tier"
	FieldNetwork   = "network"
	FieldUserID    = "user_id"
	FieldAPIKeyID  = "api_key_id"

	// Protocol fields
	FieldMethod    = "method"
	FieldRequestID = "request_id"

	// Network/connection fields
	FieldEndpoint   = "endpoint"
	FieldListenAddr = "listen_addr"
	FieldRemoteAddr = "remote_addr"

	// Block/chain fields
	FieldBlockHeight = "block_height"
	FieldSlot        = "slot"
	FieldAddress     = "address"
	FieldTxID        = "tx_id"

	// Payment fields
	FieldPaymentID = "payment_id"
	FieldStatus    = "status"
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Operation fields
	FieldOperation = "operation"
	FieldReason    = "reason"
	FieldSource    = "source"

	// Timing fields
	FieldDuration = "duration"
	FieldAttempt  = "attempt"

	// Count/size fields
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
)

// Component name constants for the "component" field.
// These identify the source of log messages.
const (
	ComponentProxyServer     = "proxy_server"
	ComponentSession         = "session"
	ComponentUpstreamPool    = "upstream_pool"
	ComponentUpstreamConn    = "upstream_conn"
	ComponentResponseCache   = "response_cache"
	ComponentUsageMeter      = "usage_meter"
	ComponentBillingReporter = "billing_reporter"
	ComponentConfirmEngine   = "confirmation_engine"
	ComponentPaymentsAPI     = "payments_api"
	ComponentAllocator       = "address_allocator"
	ComponentNodeReader      = "node_reader"
	ComponentIndexReader     = "index_reader"
	ComponentObservability   = "observability"
)
