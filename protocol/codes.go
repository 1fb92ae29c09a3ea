package protocol

// ErrorCode is a three character ILP reject code. The first character is the
// family: F (final), T (temporary) or R (relative).
type ErrorCode string

const (
	F00_BAD_REQUEST                ErrorCode = "F00"
	F01_INVALID_PACKET             ErrorCode = "F01"
	F02_UNREACHABLE                ErrorCode = "F02"
	F03_INVALID_AMOUNT             ErrorCode = "F03"
	F04_INSUFFICIENT_DST_AMOUNT    ErrorCode = "F04"
	F05_WRONG_CONDITION            ErrorCode = "F05"
	F06_UNEXPECTED_PAYMENT         ErrorCode = "F06"
	F07_CANNOT_RECEIVE             ErrorCode = "F07"
	F08_AMOUNT_TOO_LARGE           ErrorCode = "F08"
	F99_APPLICATION_ERROR          ErrorCode = "F99"
	T00_INTERNAL_ERROR             ErrorCode = "T00"
	T01_PEER_UNREACHABLE           ErrorCode = "T01"
	T02_PEER_BUSY                  ErrorCode = "T02"
	T03_CONNECTOR_BUSY             ErrorCode = "T03"
	T04_INSUFFICIENT_LIQUIDITY     ErrorCode = "T04"
	T05_RATE_LIMITED               ErrorCode = "T05"
	T99_APPLICATION_ERROR          ErrorCode = "T99"
	R00_TRANSFER_TIMED_OUT         ErrorCode = "R00"
	R01_INSUFFICIENT_SOURCE_AMOUNT ErrorCode = "R01"
	R02_INSUFFICIENT_TIMEOUT       ErrorCode = "R02"
	R99_APPLICATION_ERROR          ErrorCode = "R99"
)

var codeNames = map[ErrorCode]string{
	F00_BAD_REQUEST:                "Bad Request",
	F01_INVALID_PACKET:             "Invalid Packet",
	F02_UNREACHABLE:                "Unreachable",
	F03_INVALID_AMOUNT:             "Invalid Amount",
	F04_INSUFFICIENT_DST_AMOUNT:    "Insufficient Destination Amount",
	F05_WRONG_CONDITION:            "Wrong Condition",
	F06_UNEXPECTED_PAYMENT:         "Unexpected Payment",
	F07_CANNOT_RECEIVE:             "Cannot Receive",
	F08_AMOUNT_TOO_LARGE:           "Amount Too Large",
	F99_APPLICATION_ERROR:          "Application Error",
	T00_INTERNAL_ERROR:             "Internal Error",
	T01_PEER_UNREACHABLE:           "Peer Unreachable",
	T02_PEER_BUSY:                  "Peer Busy",
	T03_CONNECTOR_BUSY:             "Connector Busy",
	T04_INSUFFICIENT_LIQUIDITY:     "Insufficient Liquidity",
	T05_RATE_LIMITED:               "Rate Limited",
	T99_APPLICATION_ERROR:          "Application Error",
	R00_TRANSFER_TIMED_OUT:         "Transfer Timed Out",
	R01_INSUFFICIENT_SOURCE_AMOUNT: "Insufficient Source Amount",
	R02_INSUFFICIENT_TIMEOUT:       "Insufficient Timeout",
	R99_APPLICATION_ERROR:          "Application Error",
}

func (c ErrorCode) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

func (c ErrorCode) String() string {
	return string(c) + " " + c.Name()
}

func (c ErrorCode) Family() byte {
	if len(c) == 0 {
		return 0
	}
	return c[0]
}

func (c ErrorCode) IsFinal() bool     { return c.Family() == 'F' }
func (c ErrorCode) IsTemporary() bool { return c.Family() == 'T' }
func (c ErrorCode) IsRelative() bool  { return c.Family() == 'R' }
