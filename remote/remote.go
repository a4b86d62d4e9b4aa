// Package remote layers typed endpoints over the engine. Applications
// define an id per remote callable, put a Sender on one side and a Receiver
// on the other, and exchange plain Go values; codecs and packet tracking
// stay out of sight.
//
// Delivery is at-least-once: when an ACK is lost the peer re-sends, and the
// same value reaches the receiver's handlers again. Handlers must tolerate
// duplicates.
package remote

import (
	"fmt"

	"callbus/codec"
	"callbus/engine"
	"callbus/signal"
)

// A Receiver decodes every inbound payload for one endpoint id into T and
// fans it out through its embedded signal. Decoding and handler invocation
// run on the engine's owner goroutine; handlers that need another goroutine
// connect with Delegate.On.
type Receiver[T any] struct {
	*signal.Signal[T]

	e  *engine.Engine
	id uint16
	c  codec.Codec
}

// NewReceiver registers a typed endpoint on e. A nil codec selects JSON.
// The id must not already be registered.
func NewReceiver[T any](e *engine.Engine, id uint16, c codec.Codec) (*Receiver[T], error) {
	if c == nil {
		c = codec.GetCodec(codec.CodecTypeJSON)
	}
	r := &Receiver[T]{Signal: signal.New[T](), e: e, id: id, c: c}
	err := e.RegisterEndpoint(id, engine.InvokerFunc(func(payload []byte) error {
		var arg T
		if err := r.c.Decode(payload, &arg); err != nil {
			return fmt.Errorf("remote: decode for id %d: %w", id, err)
		}
		r.Invoke(arg)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close unregisters the endpoint. Connected handlers stay connected but see
// nothing further from the wire.
func (r *Receiver[T]) Close() error {
	return r.e.UnregisterEndpoint(r.id)
}

// A Sender encodes T values and ships them, tracked, to the peer's endpoint
// id.
type Sender[T any] struct {
	e  *engine.Engine
	id uint16
	c  codec.Codec
}

// NewSender builds a typed sender. A nil codec selects JSON; both ends of
// an id must use the same codec.
func NewSender[T any](e *engine.Engine, id uint16, c codec.Codec) *Sender[T] {
	if c == nil {
		c = codec.GetCodec(codec.CodecTypeJSON)
	}
	return &Sender[T]{e: e, id: id, c: c}
}

// Send encodes arg and dispatches it through the engine. Delivery progress
// arrives on the engine's OnStatus signal keyed by the endpoint id.
func (s *Sender[T]) Send(arg T) error {
	payload, err := s.c.Encode(arg)
	if err != nil {
		return fmt.Errorf("remote: encode for id %d: %w", s.id, err)
	}
	return s.e.Send(s.id, payload)
}
