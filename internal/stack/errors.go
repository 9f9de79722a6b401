package stack

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized status errors. Implementations wrap their native codes in a
// StatusError so callers branch with errors.Is and still see the detail.
var (
	// ErrWouldBlock means the stack cannot schedule the uplink yet,
	// typically because duty-cycle airtime is not available.
	ErrWouldBlock = errors.New("WOULD_BLOCK")

	// ErrConnectInProgress means a join is already underway. Benign.
	ErrConnectInProgress = errors.New("CONNECT_IN_PROGRESS")

	// ErrNothingToRead means the received frame carried no application
	// payload, usually just an ACK. Benign.
	ErrNothingToRead = errors.New("NOTHING_TO_READ")

	// ErrNoActiveSession means the device has not joined a network.
	ErrNoActiveSession = errors.New("NO_ACTIVE_SESSION")

	// ErrParameter means a request argument was rejected.
	ErrParameter = errors.New("PARAMETER_INVALID")

	// ErrServiceUnknown means the stack cannot serve the request.
	ErrServiceUnknown = errors.New("SERVICE_UNKNOWN")
)

// statusTokens maps vendor status tokens to normalized errors, matched in
// declaration order so a message carrying several tokens always normalizes
// the same way. The retryable hint is checked last: an explicit status wins
// over generic "try again" advice. Unknown tokens normalize to
// ErrServiceUnknown.
var statusTokens = []struct {
	code   error
	tokens []string
}{
	{ErrConnectInProgress, []string{"CONNECT_IN_PROGRESS", "JOIN_IN_PROGRESS", "ALREADY_CONNECTED"}},
	{ErrNothingToRead, []string{"NOTHING_TO_READ", "EMPTY_FRAME", "ACK_ONLY"}},
	{ErrNoActiveSession, []string{"NO_ACTIVE_SESSION", "NOT_JOINED", "NO_NETWORK_JOINED"}},
	{ErrParameter, []string{"PARAMETER_INVALID", "INVALID_PARAMETER", "OUT_OF_RANGE", "LENGTH_ERROR"}},
	{ErrWouldBlock, []string{"WOULD_BLOCK", "BUSY", "DUTY_CYCLE_RESTRICTED", "RETRY"}},
}

// StatusError wraps a native stack status with its normalized code.
type StatusError struct {
	Code   error // normalized sentinel
	Native error // stack-specific status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (stack: %v)", e.Code, e.Native)
}

func (e *StatusError) Unwrap() error {
	return e.Code
}

// NormalizeStatus maps a native stack error to a normalized StatusError
// using token matching. A nil error stays nil; an already-normalized
// sentinel passes through unchanged.
func NormalizeStatus(native error) error {
	if native == nil {
		return nil
	}
	for _, entry := range statusTokens {
		if errors.Is(native, entry.code) {
			return native
		}
	}

	msg := strings.ToUpper(native.Error())
	for _, entry := range statusTokens {
		for _, token := range entry.tokens {
			if containsToken(msg, token) {
				return &StatusError{Code: entry.code, Native: native}
			}
		}
	}
	return &StatusError{Code: ErrServiceUnknown, Native: native}
}

// containsToken reports whether token occurs in msg as a whole token, not as
// a fragment of a longer identifier ("RETRY" must not match
// "SET_CONFIRMED_RETRIES").
func containsToken(msg, token string) bool {
	for from := 0; from+len(token) <= len(msg); {
		i := strings.Index(msg[from:], token)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(token)
		if (start == 0 || !isTokenChar(msg[start-1])) && (end == len(msg) || !isTokenChar(msg[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isTokenChar(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
