package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kookgo/kookgo/pkg/event"
)

// Opcode is the "s" discriminant of a gateway frame.
type Opcode int

const (
	OpEvent     Opcode = 0
	OpHello     Opcode = 1
	OpPing      Opcode = 2
	OpPong      Opcode = 3
	OpResume    Opcode = 4
	OpReconnect Opcode = 5
	OpResumeAck Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpEvent:
		return "EVENT"
	case OpHello:
		return "HELLO"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpResumeAck:
		return "RESUME_ACK"
	default:
		return fmt.Sprintf("OP(%d)", int(o))
	}
}

// Signal is one decoded gateway message.
type Signal interface {
	Opcode() Opcode
}

type Hello struct {
	Code      int
	SessionID string
	// HeartbeatInterval is zero unless the server suggested one.
	HeartbeatInterval time.Duration
}

// EventSignal carries one event. Event is nil only for signals built by
// hand for encoding.
type EventSignal struct {
	SN      int64
	Payload json.RawMessage
	Event   *event.Event
}

type Ping struct {
	SN int64
}

type Pong struct{}

type Resume struct {
	SN int64
}

type Reconnect struct {
	Code   int
	Reason string
}

type ResumeAck struct {
	SessionID string
}

// Unknown holds frames with an opcode this package does not know.
type Unknown struct {
	Op  Opcode
	Raw json.RawMessage
}

func (Hello) Opcode() Opcode       { return OpHello }
func (EventSignal) Opcode() Opcode { return OpEvent }
func (Ping) Opcode() Opcode        { return OpPing }
func (Pong) Opcode() Opcode        { return OpPong }
func (Resume) Opcode() Opcode      { return OpResume }
func (Reconnect) Opcode() Opcode   { return OpReconnect }
func (ResumeAck) Opcode() Opcode   { return OpResumeAck }
func (u Unknown) Opcode() Opcode   { return u.Op }
