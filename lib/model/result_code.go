package model

import (
	"github.com/aerospike/aerospike-client-go/v8/types"
)

// ResultCode is a server or client result code
type ResultCode = types.ResultCode

// Result codes used by the client core
const (
	OK                 = types.OK
	KeyNotFound        = types.KEY_NOT_FOUND_ERROR
	GenerationError    = types.GENERATION_ERROR
	KeyExists          = types.KEY_EXISTS_ERROR
	BinTypeError       = types.BIN_TYPE_ERROR
	Timeout            = types.TIMEOUT
	DeviceOverload     = types.DEVICE_OVERLOAD
	KeyBusy            = types.KEY_BUSY
	PartitionUnavail   = types.PARTITION_UNAVAILABLE
	ParameterError     = types.PARAMETER_ERROR
	ServerError        = types.SERVER_ERROR
	FilteredOut        = types.FILTERED_OUT
	SecurityNotEnabled = types.SECURITY_NOT_ENABLED
	NotAuthenticated   = types.NOT_AUTHENTICATED
	UDFBadResponse     = types.UDF_BAD_RESPONSE
	MRTAborted         = types.MRT_ABORTED
	MRTCommitted       = types.MRT_COMMITTED
	MRTBlocked         = types.MRT_BLOCKED
	MRTVersionMismatch = types.MRT_VERSION_MISMATCH
	MRTExpired         = types.MRT_EXPIRED

	// client side codes
	NoResponse             = types.NO_RESPONSE
	MaxErrorRate           = types.MAX_ERROR_RATE
	MaxRetriesExceeded     = types.MAX_RETRIES_EXCEEDED
	ParseError             = types.PARSE_ERROR
	NetworkError           = types.NETWORK_ERROR
	ServerNotAvailable     = types.SERVER_NOT_AVAILABLE
	NoConnectionsAvailable = types.NO_AVAILABLE_CONNECTIONS_TO_NODE
	SerializeError         = types.SERIALIZE_ERROR
	CommonError            = types.COMMON_ERROR
	QueueFull              = types.ASYNC_QUEUE_FULL
	BatchFailed            = types.BATCH_FAILED
	TxnFailed              = types.TXN_FAILED
)

// ResultCodeString returns the message registered for a code
func ResultCodeString(code ResultCode) string {
	return types.ResultCodeToString(code)
}

// KindForResultCode classifies a nonzero server result code
func KindForResultCode(code ResultCode) ErrorKind {
	switch code {
	case Timeout:
		return KindServerTimeout
	case DeviceOverload, MaxErrorRate:
		return KindBackoff
	case NetworkError, ServerNotAvailable, NoConnectionsAvailable:
		return KindNetwork
	case ParseError:
		return KindProtocol
	case QueueFull:
		return KindQueueFull
	default:
		return KindApplication
	}
}
