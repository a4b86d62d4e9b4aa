package test

import (
	"errors"
	"testing"
	"time"

	"callbus/codec"
	"callbus/reliability"
	"callbus/remote"
	"callbus/signal"
	"callbus/transport"
)

// Serial round trip: send one record, wait for it to come out of the sink's
// endpoint. Measures the full stack — encode, track, frame, pipe, dispatch,
// decode, ACK.
func BenchmarkRoundTrip(b *testing.B) {
	ta, tb := transport.NewPipe()
	emit := startEngine(b, "bench-emit", ta, reliability.MonitorConfig{})
	sink := startEngine(b, "bench-sink", tb, reliability.MonitorConfig{})

	got := make(chan struct{}, 1)
	recv, err := remote.NewReceiver[Event](sink, 3, nil)
	if err != nil {
		b.Fatal(err)
	}
	recv.Connect(signal.Bind(func(Event) { got <- struct{}{} }))

	snd := remote.NewSender[Event](emit, 3, nil)
	ev := Event{Source: "bench", Level: "info", Body: "one line of log"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := snd.Send(ev); err != nil {
			b.Fatal(err)
		}
		<-got
	}
}

// Concurrent senders against one engine. Sends that hit the outstanding
// window back off and retry, which is how a real producer handles
// backpressure.
func BenchmarkConcurrentSend(b *testing.B) {
	ta, tb := transport.NewPipe()
	emit := startEngine(b, "bench-cemit", ta, reliability.MonitorConfig{})
	sink := startEngine(b, "bench-csink", tb, reliability.MonitorConfig{})

	recv, err := remote.NewReceiver[Event](sink, 3, nil)
	if err != nil {
		b.Fatal(err)
	}
	recv.Connect(signal.Bind(func(Event) {})) // discard, the sink just has to ACK

	snd := remote.NewSender[Event](emit, 3, nil)
	ev := Event{Source: "bench", Level: "info", Body: "one line of log"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			for {
				err := snd.Send(ev)
				if err == nil {
					break
				}
				if errors.Is(err, reliability.ErrWindowFull) {
					time.Sleep(time.Millisecond)
					continue
				}
				b.Error(err)
				return
			}
		}
	})
}

// Pure codec cost, no network.
func BenchmarkCodecJSON(b *testing.B) {
	cdc := codec.GetCodec(codec.CodecTypeJSON)
	ev := &Event{Source: "bench", Level: "info", Body: "the quick brown fox"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(ev)
		var out Event
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecGob(b *testing.B) {
	cdc := codec.GetCodec(codec.CodecTypeGob)
	ev := &Event{Source: "bench", Level: "info", Body: "the quick brown fox"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(ev)
		var out Event
		cdc.Decode(data, &out)
	}
}
