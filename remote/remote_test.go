package remote

import (
	"testing"
	"time"

	"callbus/codec"
	"callbus/engine"
	"callbus/reliability"
	"callbus/signal"
	"callbus/transport"
)

type note struct {
	Source string
	Level  int
	Body   string
}

func enginePair(t *testing.T) (*engine.Engine, *engine.Engine) {
	t.Helper()
	ta, tb := transport.NewPipe()
	mk := func(name string, tr transport.Transport) *engine.Engine {
		e, err := engine.New(engine.Config{
			Name:      name,
			Transport: tr,
			Monitor: reliability.MonitorConfig{
				AckTimeout: 60 * time.Millisecond,
				MaxRetries: 2,
			},
			ReceiveTimeout: 50 * time.Millisecond,
			SweepInterval:  20 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("engine.New: %v", err)
		}
		if err := e.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(func() { e.Stop() })
		return e
	}
	return mk("sender", ta), mk("receiver", tb)
}

func TestTypedRoundTripJSON(t *testing.T) {
	a, b := enginePair(t)

	recv, err := NewReceiver[note](b, 21, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	got := make(chan note, 1)
	recv.Connect(signal.Bind(func(n note) { got <- n }))

	sent := note{Source: "gateway", Level: 2, Body: "link up"}
	if err := NewSender[note](a, 21, nil).Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case n := <-got:
		if n != sent {
			t.Fatalf("received %+v, want %+v", n, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("value never arrived")
	}
}

func TestTypedRoundTripGob(t *testing.T) {
	a, b := enginePair(t)
	gob := codec.GetCodec(codec.CodecTypeGob)

	recv, err := NewReceiver[note](b, 22, gob)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	got := make(chan note, 1)
	recv.Connect(signal.Bind(func(n note) { got <- n }))

	sent := note{Source: "probe", Level: 5, Body: "overheat"}
	if err := NewSender[note](a, 22, gob).Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case n := <-got:
		if n != sent {
			t.Fatalf("received %+v, want %+v", n, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("value never arrived")
	}
}

func TestDecodeFailureSurfacesAsInvocationFault(t *testing.T) {
	a, b := enginePair(t)

	if _, err := NewReceiver[note](b, 23, nil); err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	faults := make(chan engine.EngineError, 4)
	b.OnError.Connect(signal.Bind(func(ee engine.EngineError) { faults <- ee }))

	// Bytes that are not JSON: the endpoint must reject them without
	// crashing the engine.
	if err := a.Send(23, []byte{0x00, 0x01}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ee := <-faults:
		if ee.Kind != engine.KindInvocation || ee.ID != 23 {
			t.Fatalf("fault = %+v, want invocation fault on id 23", ee)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decode failure never reported")
	}
}

func TestReceiverCloseUnregisters(t *testing.T) {
	_, b := enginePair(t)

	recv, err := NewReceiver[note](b, 24, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if _, err := NewReceiver[note](b, 24, nil); err == nil {
		t.Fatal("second receiver on the same id should be refused")
	}
	if err := recv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := NewReceiver[note](b, 24, nil); err != nil {
		t.Fatalf("re-register after Close: %v", err)
	}
}
