package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Relay
	FieldConnID      = "conn_id"
	FieldIdentity    = "identity"
	FieldRecipient   = "recipient"
	FieldDestination = "destination"
	FieldMessageID   = "message_id"
	FieldMessageType = "message_type"
	FieldDelivered   = "delivered"
	FieldRosterSize  = "roster_size"

	// Service
	FieldService    = "service"
	FieldInstanceID = "instance_id"

	// gRPC
	FieldGRPCMethod = "grpc_method"
	FieldGRPCCode   = "grpc_code"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
