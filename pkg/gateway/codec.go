package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/logger"
)

const maxInflatedBytes = 16 << 20

var errMissingOpcode = errors.New("missing opcode field \"s\"")

// Codec converts transport frames to signals and back.
type Codec struct {
	registry *event.Registry
}

// NewCodec uses reg to resolve event extras. A nil registry leaves every
// event flagged Unknown.
func NewCodec(reg *event.Registry) *Codec {
	return &Codec{registry: reg}
}

type wireFrame struct {
	S  *int            `json:"s"`
	D  json.RawMessage `json:"d,omitempty"`
	SN *int64          `json:"sn,omitempty"`
}

type helloBody struct {
	Code              int    `json:"code"`
	SessionID         string `json:"session_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval,omitempty"`
}

type reconnectBody struct {
	Code int    `json:"code"`
	Err  string `json:"err"`
}

type resumeAckBody struct {
	SessionID string `json:"session_id"`
}

// Decode parses one frame. Every failure is a *FrameDecodeError.
func (c *Codec) Decode(f Frame) (Signal, error) {
	data := f.Data
	if f.Binary {
		inflated, err := inflate(data)
		if err != nil {
			return nil, &FrameDecodeError{Binary: true, Size: len(f.Data), Err: err}
		}
		data = inflated
	}

	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &FrameDecodeError{Binary: f.Binary, Size: len(f.Data), Err: err}
	}
	if w.S == nil {
		return nil, &FrameDecodeError{Binary: f.Binary, Size: len(f.Data), Err: errMissingOpcode}
	}

	sig, err := c.decodeBody(Opcode(*w.S), w)
	if err != nil {
		return nil, &FrameDecodeError{Binary: f.Binary, Size: len(f.Data), Err: err}
	}
	return sig, nil
}

func (c *Codec) decodeBody(op Opcode, w wireFrame) (Signal, error) {
	switch op {
	case OpEvent:
		if w.SN == nil {
			return nil, errors.New("event without sn")
		}
		sn := *w.SN
		ev, err := event.Decode(w.D, sn, c.registry)
		if err != nil {
			// Keep the event in sequence even when its body does not fit the
			// registered type.
			fallback, ferr := event.Decode(w.D, sn, nil)
			if ferr != nil {
				return nil, err
			}
			logger.WarnCF("gateway", "Event extra did not decode, delivering raw", map[string]any{
				"sn":    sn,
				"key":   fallback.Key.String(),
				"error": err.Error(),
			})
			ev = fallback
		}
		return EventSignal{SN: sn, Payload: w.D, Event: ev}, nil

	case OpHello:
		var body helloBody
		if err := unmarshalBody(w.D, &body); err != nil {
			return nil, fmt.Errorf("hello body: %w", err)
		}
		return Hello{
			Code:              body.Code,
			SessionID:         body.SessionID,
			HeartbeatInterval: time.Duration(body.HeartbeatInterval) * time.Millisecond,
		}, nil

	case OpPing:
		var sn int64
		if w.SN != nil {
			sn = *w.SN
		}
		return Ping{SN: sn}, nil

	case OpPong:
		return Pong{}, nil

	case OpResume:
		var sn int64
		if w.SN != nil {
			sn = *w.SN
		}
		return Resume{SN: sn}, nil

	case OpReconnect:
		var body reconnectBody
		if err := unmarshalBody(w.D, &body); err != nil {
			return nil, fmt.Errorf("reconnect body: %w", err)
		}
		return Reconnect{Code: body.Code, Reason: body.Err}, nil

	case OpResumeAck:
		var body resumeAckBody
		if err := unmarshalBody(w.D, &body); err != nil {
			return nil, fmt.Errorf("resume ack body: %w", err)
		}
		return ResumeAck{SessionID: body.SessionID}, nil

	default:
		return Unknown{Op: op, Raw: w.D}, nil
	}
}

func unmarshalBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Encode renders sig as a frame. With compress set the JSON is
// zlib-compressed into a binary frame.
func (c *Codec) Encode(sig Signal, compress bool) (Frame, error) {
	op := int(sig.Opcode())
	w := wireFrame{S: &op}

	var body any
	switch s := sig.(type) {
	case EventSignal:
		sn := s.SN
		w.SN = &sn
		w.D = s.Payload
	case Hello:
		body = helloBody{Code: s.Code, SessionID: s.SessionID, HeartbeatInterval: s.HeartbeatInterval.Milliseconds()}
	case Ping:
		sn := s.SN
		w.SN = &sn
	case Pong:
	case Resume:
		sn := s.SN
		w.SN = &sn
	case Reconnect:
		body = reconnectBody{Code: s.Code, Err: s.Reason}
	case ResumeAck:
		body = resumeAckBody{SessionID: s.SessionID}
	case Unknown:
		w.D = s.Raw
	default:
		return Frame{}, fmt.Errorf("gateway: cannot encode %T", sig)
	}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Frame{}, fmt.Errorf("gateway: encode %s body: %w", sig.Opcode(), err)
		}
		w.D = raw
	}

	data, err := json.Marshal(w)
	if err != nil {
		return Frame{}, fmt.Errorf("gateway: encode %s: %w", sig.Opcode(), err)
	}
	if !compress {
		return Frame{Data: data}, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return Frame{}, fmt.Errorf("gateway: compress %s: %w", sig.Opcode(), err)
	}
	if err := zw.Close(); err != nil {
		return Frame{}, fmt.Errorf("gateway: compress %s: %w", sig.Opcode(), err)
	}
	return Frame{Binary: true, Data: buf.Bytes()}, nil
}

// inflate accepts both zlib-wrapped and raw deflate streams.
func inflate(data []byte) ([]byte, error) {
	var r io.ReadCloser
	if hasZlibHeader(data) {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		r = zr
	} else {
		r = flate.NewReader(bytes.NewReader(data))
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedBytes {
		return nil, fmt.Errorf("inflated frame exceeds %d bytes", maxInflatedBytes)
	}
	return out, nil
}

func hasZlibHeader(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	cmf, flg := data[0], data[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
