// Package protocol provides the bit-exact MCT wire protocol definitions
package protocol

// Header magics
var (
	// StoragePattern prefixes every persisted or storage-stamped message
	StoragePattern = [4]byte{'D', 'L', 'T', 0x01}
	// SerialPattern is scanned for when resynchronizing a serial stream
	SerialPattern = [4]byte{'D', 'L', 'S', 0x01}
	// UserHeaderPattern prefixes every producer IPC message
	UserHeaderPattern = [4]byte{'D', 'U', 'H', 0x01}
)

// Standard header type (htyp) bits
const (
	MCT_HTYP_UEH  = 0x01 // use extended header
	MCT_HTYP_MSBF = 0x02 // payload is big endian
	MCT_HTYP_WEID = 0x04 // with ECU id
	MCT_HTYP_WSID = 0x08 // with session id
	MCT_HTYP_WTMS = 0x10 // with timestamp
	MCT_HTYP_VERS = 0xe0 // protocol version bits

	MCT_HTYP_PROTOCOL_VERSION1 = 0x1 << 5
)

// Message info (msin) bits of the extended header
const (
	MCT_MSIN_VERB = 0x01 // verbose flag
	MCT_MSIN_MSTP = 0x0e // message type mask
	MCT_MSIN_MTIN = 0xf0 // message type info mask

	MCT_MSIN_MSTP_SHIFT = 1
	MCT_MSIN_MTIN_SHIFT = 4
)

// Message types (MSTP)
const (
	MCT_TYPE_LOG       = 0x00
	MCT_TYPE_APP_TRACE = 0x01
	MCT_TYPE_NW_TRACE  = 0x02
	MCT_TYPE_CONTROL   = 0x03
)

// Control message type info (MTIN for MCT_TYPE_CONTROL)
const (
	MCT_CONTROL_REQUEST  = 0x01
	MCT_CONTROL_RESPONSE = 0x02
	MCT_CONTROL_TIME     = 0x03
)

// LogLevel is the ordered per-context log level
type LogLevel int8

const (
	MCT_LOG_DEFAULT LogLevel = -1
	MCT_LOG_OFF     LogLevel = 0
	MCT_LOG_FATAL   LogLevel = 1
	MCT_LOG_ERROR   LogLevel = 2
	MCT_LOG_WARN    LogLevel = 3
	MCT_LOG_INFO    LogLevel = 4
	MCT_LOG_DEBUG   LogLevel = 5
	MCT_LOG_VERBOSE LogLevel = 6

	MCT_LOG_MAX = MCT_LOG_VERBOSE

	// MCT_LOG_NOT_SET marks a producer registration without an explicit level
	MCT_LOG_NOT_SET LogLevel = -2
)

// TraceStatus is the per-context trace gate
type TraceStatus int8

const (
	MCT_TRACE_STATUS_DEFAULT TraceStatus = -1
	MCT_TRACE_STATUS_OFF     TraceStatus = 0
	MCT_TRACE_STATUS_ON      TraceStatus = 1
)

// Control service identifiers (regular band)
const (
	MCT_SERVICE_ID                               = 0x00
	MCT_SERVICE_ID_SET_LOG_LEVEL                 = 0x01
	MCT_SERVICE_ID_SET_TRACE_STATUS              = 0x02
	MCT_SERVICE_ID_GET_LOG_INFO                  = 0x03
	MCT_SERVICE_ID_GET_DEFAULT_LOG_LEVEL         = 0x04
	MCT_SERVICE_ID_STORE_CONFIG                  = 0x05
	MCT_SERVICE_ID_RESET_TO_FACTORY_DEFAULT      = 0x06
	MCT_SERVICE_ID_SET_COM_INTERFACE_STATUS      = 0x07
	MCT_SERVICE_ID_SET_COM_INTERFACE_MAX_BANDWIDTH = 0x08
	MCT_SERVICE_ID_SET_VERBOSE_MODE              = 0x09
	MCT_SERVICE_ID_SET_MESSAGE_FILTERING         = 0x0a
	MCT_SERVICE_ID_SET_TIMING_PACKETS            = 0x0b
	MCT_SERVICE_ID_GET_LOCAL_TIME                = 0x0c
	MCT_SERVICE_ID_USE_ECU_ID                    = 0x0d
	MCT_SERVICE_ID_USE_SESSION_ID                = 0x0e
	MCT_SERVICE_ID_USE_TIMESTAMP                 = 0x0f
	MCT_SERVICE_ID_USE_EXTENDED_HEADER           = 0x10
	MCT_SERVICE_ID_SET_DEFAULT_LOG_LEVEL         = 0x11
	MCT_SERVICE_ID_SET_DEFAULT_TRACE_STATUS      = 0x12
	MCT_SERVICE_ID_GET_SOFTWARE_VERSION          = 0x13
	MCT_SERVICE_ID_MESSAGE_BUFFER_OVERFLOW       = 0x14
	MCT_SERVICE_ID_LAST_ENTRY                    = 0x15
)

// Control service identifiers (user band)
const (
	MCT_USER_SERVICE_ID                    = 0xf00
	MCT_SERVICE_ID_UNREGISTER_CONTEXT      = 0xf01
	MCT_SERVICE_ID_CONNECTION_INFO         = 0xf02
	MCT_SERVICE_ID_TIMEZONE                = 0xf03
	MCT_SERVICE_ID_MARKER                  = 0xf04
	MCT_SERVICE_ID_OFFLINE_LOGSTORAGE      = 0xf05
	MCT_SERVICE_ID_SET_BLOCK_MODE          = 0xf06
	MCT_SERVICE_ID_GET_BLOCK_MODE          = 0xf07
	MCT_SERVICE_ID_SET_ALL_LOG_LEVEL       = 0xf08
	MCT_SERVICE_ID_SET_ALL_TRACE_STATUS    = 0xf09
	MCT_SERVICE_ID_SET_FILTER_LEVEL        = 0xf0a
	MCT_SERVICE_ID_GET_FILTER_STATUS       = 0xf0b
	MCT_USER_SERVICE_ID_LAST_ENTRY         = 0xf0c

	// MCT_SERVICE_ID_CALLSW_CINJECTION marks the start of the injection range
	MCT_SERVICE_ID_CALLSW_CINJECTION = 0xfff
)

// Control response status codes
const (
	MCT_SERVICE_RESPONSE_OK            = 0x00
	MCT_SERVICE_RESPONSE_NOT_SUPPORTED = 0x01
	MCT_SERVICE_RESPONSE_ERROR         = 0x02
	MCT_SERVICE_RESPONSE_PERM_DENIED   = 0x03
	MCT_SERVICE_RESPONSE_WARNING       = 0x04
)

// GET_LOG_INFO request options
const (
	MCT_SERVICE_GET_LOG_INFO_OPT_MIN      = 3 // apids and ctids only
	MCT_SERVICE_GET_LOG_INFO_OPT_LL       = 4 // with log levels
	MCT_SERVICE_GET_LOG_INFO_OPT_TS       = 5 // with trace statuses
	MCT_SERVICE_GET_LOG_INFO_OPT_LL_TS    = 6 // with both
	MCT_SERVICE_GET_LOG_INFO_OPT_FULL     = 7 // with both and descriptions
	MCT_SERVICE_GET_LOG_INFO_OPT_NO_MATCH = 8 // response sentinel: nothing matched
)

// GetLogInfoRemoTag terminates every GET_LOG_INFO response payload
var GetLogInfoRemoTag = [4]byte{'r', 'e', 'm', 'o'}

// User message identifiers (producer IPC, follows the user header)
const (
	MCT_USER_MESSAGE_LOG                    = 1
	MCT_USER_MESSAGE_REGISTER_APPLICATION   = 2
	MCT_USER_MESSAGE_UNREGISTER_APPLICATION = 3
	MCT_USER_MESSAGE_REGISTER_CONTEXT       = 4
	MCT_USER_MESSAGE_UNREGISTER_CONTEXT     = 5
	MCT_USER_MESSAGE_LOG_LEVEL              = 6
	MCT_USER_MESSAGE_INJECTION              = 7
	MCT_USER_MESSAGE_OVERFLOW               = 8
	MCT_USER_MESSAGE_APP_LL_TS              = 9
	MCT_USER_MESSAGE_LOG_MODE               = 11
	MCT_USER_MESSAGE_LOG_STATE              = 12
	MCT_USER_MESSAGE_MARKER                 = 13
	MCT_USER_MESSAGE_SET_BLOCK_MODE         = 14
	MCT_USER_MESSAGE_NOT_SUPPORTED          = 1024
)

// Block mode values carried by SET_BLOCK_MODE
const (
	MCT_MODE_NON_BLOCKING = 0
	MCT_MODE_BLOCKING     = 1
)

// Size limits
const (
	// MCT_ID_SIZE is the width of APID/CTID/ECU identifiers
	MCT_ID_SIZE = 4

	// MCT_DAEMON_TEXTSIZE bounds generated control payload text
	MCT_DAEMON_TEXTSIZE = 10024

	// MaxMessageLength bounds standardheader.len; larger messages are
	// rejected on the control path and truncated on the log path
	MaxMessageLength = 0xffff
)
