package program

import (
	"fmt"
	"regexp"
	"strconv"
)

// Error codes reported by the escrow program.
const (
	CodeInvalidAmount   = 6000
	CodeInvalidDuration = 6001
	CodeInvalidRobotID  = 6002
	CodeInvalidStatus   = 6003
	CodeUnauthorized    = 6004
	CodeInvalidOperator = 6005
	CodeInvalidRenter   = 6006
	CodeNotExpired      = 6007

	// CodeAccountNotInitialized is raised by the program framework when an
	// instruction references an escrow account that does not exist.
	CodeAccountNotInitialized = 3012
)

var errorMessages = map[int]string{
	CodeInvalidAmount:         "amount must be greater than zero",
	CodeInvalidDuration:       "rental duration must be greater than zero",
	CodeInvalidRobotID:        "robot id is empty or longer than 32 bytes",
	CodeInvalidStatus:         "escrow is not in the required status",
	CodeUnauthorized:          "wallet is not allowed to perform this action",
	CodeInvalidOperator:       "operator account does not match the escrow",
	CodeInvalidRenter:         "renter account does not match the escrow",
	CodeNotExpired:            "escrow has not expired yet",
	CodeAccountNotInitialized: "escrow account not found on this network; refresh or check your wallet network",
}

// ErrorMessage returns an actionable message for a program error code.
func ErrorMessage(code int) (string, bool) {
	msg, ok := errorMessages[code]
	return msg, ok
}

var customErrorPattern = regexp.MustCompile(`(?i)custom(?: program error)?[^0-9a-fx]*(0x[0-9a-f]+|\d+)`)

// ParseErrorCode extracts a program error code from a ledger error string
// such as `{"InstructionError":[0,{"Custom":6004}]}` or
// "custom program error: 0x1774".
func ParseErrorCode(s string) (int, bool) {
	m := customErrorPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	raw := m[1]
	base := 10
	if len(raw) > 2 && (raw[:2] == "0x" || raw[:2] == "0X") {
		raw, base = raw[2:], 16
	}
	code, err := strconv.ParseInt(raw, base, 32)
	if err != nil {
		return 0, false
	}
	return int(code), true
}

// DescribeError renders a ledger failure string, replacing known program
// codes with their message.
func DescribeError(s string) string {
	if code, ok := ParseErrorCode(s); ok {
		if msg, ok := ErrorMessage(code); ok {
			return fmt.Sprintf("%s (code %d)", msg, code)
		}
	}
	return s
}
