package reconnect

import (
	"errors"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Action tells the caller how to recover from a failure.
type Action string

const (
	ActionReconnect Action = "reconnect"
	ActionTeardown  Action = "teardown"
)

// Verdict is the outcome of classifying a connection failure.
type Verdict struct {
	ShouldReconnect bool
	Action          Action
	Reason          string
}

// fatal remote error codes: retrying with the same credentials or
// session cannot succeed.
var fatalCodes = map[string]bool{
	"invalid_api_key":      true,
	"invalid_request":      true,
	"unauthorized":         true,
	"forbidden":            true,
	"insufficient_quota":   true,
	"model_not_found":      true,
	"unsupported_protocol": true,
}

// remote session codes that force a fresh connection.
var sessionCodes = map[string]bool{
	"session_not_found": true,
	"session_expired":   true,
	"server_error":      true,
	"internal_error":    true,
}

// ClassifyCode classifies a machine-readable error code from a remote
// error frame.
func ClassifyCode(code string) Verdict {
	code = strings.ToLower(strings.TrimSpace(code))
	switch {
	case fatalCodes[code]:
		return Verdict{Action: ActionTeardown, Reason: "fatal_remote_code"}
	case sessionCodes[code]:
		return Verdict{ShouldReconnect: true, Action: ActionReconnect, Reason: "remote_session_error"}
	default:
		// Unknown codes are treated as transient; bounded attempts keep
		// a persistent failure from retrying forever.
		return Verdict{ShouldReconnect: true, Action: ActionReconnect, Reason: "unclassified_remote_code"}
	}
}

// ClassifyError classifies a transport-level failure.
func ClassifyError(err error) Verdict {
	if err == nil {
		return Verdict{Action: ActionTeardown, Reason: "no_error"}
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation, websocket.CloseUnsupportedData:
			return Verdict{Action: ActionTeardown, Reason: "protocol_rejection"}
		default:
			return Verdict{ShouldReconnect: true, Action: ActionReconnect, Reason: "socket_closed"}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Verdict{ShouldReconnect: true, Action: ActionReconnect, Reason: "network_error"}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "invalid api key"} {
		if strings.Contains(msg, marker) {
			return Verdict{Action: ActionTeardown, Reason: "authentication_failed"}
		}
	}
	for _, marker := range []string{"connection reset", "broken pipe", "connection refused", "timeout", "eof", "handshake"} {
		if strings.Contains(msg, marker) {
			return Verdict{ShouldReconnect: true, Action: ActionReconnect, Reason: "transient_transport"}
		}
	}

	return Verdict{ShouldReconnect: true, Action: ActionReconnect, Reason: "unclassified_error"}
}
