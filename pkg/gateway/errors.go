package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrHandshakeTimeout   = errors.New("gateway: hello not received before deadline")
	ErrResumeTimeout      = errors.New("gateway: resume ack not received before deadline")
	ErrHeartbeatTimeout   = errors.New("gateway: heartbeat not acknowledged")
	ErrTransportClosed    = errors.New("gateway: transport closed")
	ErrGapExceeded        = errors.New("gateway: sequence gap above threshold")
	ErrCredentialRejected = errors.New("gateway: credentials rejected")
	ErrConnectExhausted   = errors.New("gateway: reconnect attempts exhausted")
	ErrAlreadyStarted     = errors.New("gateway: session already started")
)

// FrameDecodeError is returned by the codec for frames that cannot be turned
// into a signal. The session drops such frames and keeps reading.
type FrameDecodeError struct {
	Binary bool
	Size   int
	Err    error
}

func (e *FrameDecodeError) Error() string {
	kind := "text"
	if e.Binary {
		kind = "binary"
	}
	return fmt.Sprintf("gateway: decode %s frame (%d bytes): %v", kind, e.Size, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// GatewayResolutionError means the gateway index call failed in a way that
// is worth retrying.
type GatewayResolutionError struct {
	Status int
	Code   int
	Err    error
}

func (e *GatewayResolutionError) Error() string {
	if e.Status != 0 || e.Code != 0 {
		return fmt.Sprintf("gateway: resolve url: status %d, code %d: %v", e.Status, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway: resolve url: %v", e.Err)
}

func (e *GatewayResolutionError) Unwrap() error { return e.Err }

// ReconnectRequested carries the server's RECONNECT instruction.
type ReconnectRequested struct {
	Code   int
	Reason string
}

func (e *ReconnectRequested) Error() string {
	return fmt.Sprintf("gateway: server requested reconnect (code %d): %s", e.Code, e.Reason)
}

// CloseError reports the peer's close frame. It matches ErrTransportClosed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: transport closed (code %d): %s", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool { return target == ErrTransportClosed }

// Hello codes the server uses to refuse credentials.
const (
	HelloMissingParams    = 40100
	HelloInvalidToken     = 40101
	HelloTokenCheckFailed = 40102
	HelloTokenExpired     = 40103
)

func isCredentialHelloCode(code int) bool {
	return code >= HelloMissingParams && code <= HelloTokenExpired
}

// IsFatal reports whether err ends the session instead of feeding a retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialRejected) || errors.Is(err, ErrConnectExhausted)
}
