package types

// ErrorCode is the result code carried by replies.
type ErrorCode uint8

// Error codes.
const (
	ErrorCodeSuccess ErrorCode = iota
	ErrorCodeApplicationInstanceDeleted
	ErrorCodeFMFailoverUnitNotFound
	ErrorCodeStaleRequest
	ErrorCodeReplicaDoesNotExist
	ErrorCodeServiceNotFound
	ErrorCodeApplicationNotFound
	ErrorCodeTimeout
)

// IsSuccess returns true if code means success.
func (ec ErrorCode) IsSuccess() bool {
	return ec == ErrorCodeSuccess
}

// String returns the name of the code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrorCodeSuccess:
		return "Success"
	case ErrorCodeApplicationInstanceDeleted:
		return "ApplicationInstanceDeleted"
	case ErrorCodeFMFailoverUnitNotFound:
		return "FMFailoverUnitNotFound"
	case ErrorCodeStaleRequest:
		return "StaleRequest"
	case ErrorCodeReplicaDoesNotExist:
		return "ReplicaDoesNotExist"
	case ErrorCodeServiceNotFound:
		return "ServiceNotFound"
	case ErrorCodeApplicationNotFound:
		return "ApplicationNotFound"
	case ErrorCodeTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}
