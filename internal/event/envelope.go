// Package event defines the typed envelopes routed across the message bus
// and their wire codec.
package event

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradecore/errs"
)

// Address locates an envelope on the broker: a topic exchange, an optional
// durable queue, and a dotted routing key.
type Address struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// QueueName builds the durable queue name for an exact-match subscription.
func QueueName(serverID, exchange, routingKey string) string {
	return fmt.Sprintf("%s.%s.%s", serverID, exchange, routingKey)
}

// Envelope is the immutable unit of transport on the bus. Data holds the
// payload struct on the publish side and raw JSON on the consume side;
// DecodeInto extracts the latter.
type Envelope struct {
	Name      string
	Address   Address
	Timestamp int64
	Data      any

	raw json.RawMessage
}

type wireFrame struct {
	Name string          `json:"n"`
	Data json.RawMessage `json:"d"`
}

// Encode serializes the envelope payload to its compressed wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, errs.New("event", errs.CodeInvalid,
			errs.WithMessage("marshal payload"), errs.WithCause(err))
	}
	frame, err := json.Marshal(wireFrame{Name: e.Name, Data: data})
	if err != nil {
		return nil, errs.New("event", errs.CodeInvalid,
			errs.WithMessage("marshal frame"), errs.WithCause(err))
	}
	var buf bytes.Buffer
	compressor := zlib.NewWriter(&buf)
	if _, err := compressor.Write(frame); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("flush frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a received wire payload into an envelope carrying raw JSON
// data. Corrupted payloads yield a protocol error, never a structured
// envelope.
func Decode(exchange, routingKey string, body []byte) (*Envelope, error) {
	reader, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, errs.New("event", errs.CodeProtocol,
			errs.WithMessage("payload not zlib-compressed"), errs.WithCause(err))
	}
	defer reader.Close()
	frameBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, errs.New("event", errs.CodeProtocol,
			errs.WithMessage("payload truncated"), errs.WithCause(err))
	}
	var frame wireFrame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		return nil, errs.New("event", errs.CodeProtocol,
			errs.WithMessage("payload not valid frame JSON"), errs.WithCause(err))
	}
	if frame.Name == "" {
		return nil, errs.New("event", errs.CodeProtocol, errs.WithMessage("frame missing event name"))
	}
	env := &Envelope{
		Name:    frame.Name,
		Address: Address{Exchange: exchange, RoutingKey: routingKey},
		raw:     frame.Data,
	}
	env.Data = frame.Data
	return env, nil
}

// DecodeInto unmarshals the received payload into v.
func (e *Envelope) DecodeInto(v any) error {
	if len(e.raw) == 0 {
		raw, ok := e.Data.(json.RawMessage)
		if !ok {
			return errs.New("event", errs.CodeInvalid, errs.WithMessage("envelope carries no raw payload"))
		}
		e.raw = raw
	}
	if err := json.Unmarshal(e.raw, v); err != nil {
		return errs.New("event", errs.CodeProtocol,
			errs.WithMessage("decode "+e.Name+" payload"), errs.WithCause(err))
	}
	return nil
}
