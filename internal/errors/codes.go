package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Declaration errors
	ErrReadDeclaration    ErrorCode = "read_declaration_failed"
	ErrInvalidDeclaration ErrorCode = "declaration_invalid"

	// Pipeline errors. These form the agent's error taxonomy: schedule and
	// action errors reject a declaration at apply time, fetch and delivery
	// errors are recovered per cycle or per event, bind errors fail listener
	// startup and connection errors close a single connection.
	ErrSchedule     ErrorCode = "schedule_error"
	ErrAction       ErrorCode = "action_error"
	ErrFetch        ErrorCode = "fetch_error"
	ErrDelivery     ErrorCode = "delivery_error"
	ErrListenerBind ErrorCode = "listener_bind_error"
	ErrConnection   ErrorCode = "connection_error"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Resource errors
	ErrResourceBusy     ErrorCode = "resource_busy"
	ErrResourceNotFound ErrorCode = "resource_not_found"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:           "Internal error occurred",
	ErrInvalidArgument:    "Invalid argument provided",
	ErrNotImplemented:     "Operation not implemented",
	ErrUnavailable:        "Service unavailable",
	ErrAlreadyRunning:     "Another instance is already running",
	ErrInvalidConfig:      "Invalid configuration",
	ErrMissingConfig:      "Missing configuration",
	ErrBindFlags:          "Failed to bind flags",
	ErrReadConfig:         "Failed to read configuration",
	ErrInvalidLogLevel:    "Invalid log level",
	ErrReadDeclaration:    "Failed to read declaration",
	ErrInvalidDeclaration: "Invalid declaration",
	ErrSchedule:           "Invalid schedule",
	ErrAction:             "Invalid action rule",
	ErrFetch:              "Data source fetch failed",
	ErrDelivery:           "Sink delivery failed",
	ErrListenerBind:       "Failed to bind listener socket",
	ErrConnection:         "Connection failed",
	ErrInitFailed:         "Initialization failed",
	ErrShutdownFailed:     "Shutdown failed",
	ErrResourceBusy:       "Resource is busy",
	ErrResourceNotFound:   "Resource not found",
	ErrOperationFailed:    "Operation failed",
	ErrTimeout:            "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
