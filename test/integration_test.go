// Package test wires the whole stack together: engines over real
// transports, typed endpoints, delivery tracking, discovery and address
// selection.
package test

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"callbus/balance"
	"callbus/engine"
	"callbus/registry"
	"callbus/reliability"
	"callbus/remote"
	"callbus/signal"
	"callbus/transport"
	"callbus/wire"
)

// Event is the payload type the integration tests push across the wire.
type Event struct {
	Source string `json:"source"`
	Level  string `json:"level"`
	Body   string `json:"body"`
}

// startEngine builds and starts an engine with test-friendly timing.
func startEngine(tb testing.TB, name string, tr transport.Transport, mon reliability.MonitorConfig) *engine.Engine {
	tb.Helper()
	eng, err := engine.New(engine.Config{
		Name:           name,
		Transport:      tr,
		Monitor:        mon,
		ReceiveTimeout: 50 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
	})
	if err != nil {
		tb.Fatal(err)
	}
	if err := eng.Start(); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { eng.Stop() })
	return eng
}

// waitDrained blocks until the engine has no unacknowledged packets left.
func waitDrained(t *testing.T, e *engine.Engine) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.Outstanding() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("engine %s still has %d unacknowledged packets", e.Name(), e.Outstanding())
}

// Emitter and sink over real UDP sockets. The sink side uses a listening
// transport, so acknowledgments find their way back to whoever sent.
func TestEndToEndOverUDP(t *testing.T) {
	sinkTr, err := transport.NewUDPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	emitTr, err := transport.NewUDP("127.0.0.1:0", sinkTr.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	sink := startEngine(t, "udp-sink", sinkTr, reliability.MonitorConfig{})
	emit := startEngine(t, "udp-emit", emitTr, reliability.MonitorConfig{})

	got := make(chan Event, 32)
	recv, err := remote.NewReceiver[Event](sink, 12, nil)
	if err != nil {
		t.Fatal(err)
	}
	recv.Connect(signal.Bind(func(ev Event) { got <- ev }))

	snd := remote.NewSender[Event](emit, 12, nil)
	const n = 5
	for i := 0; i < n; i++ {
		ev := Event{Source: "itest", Level: "info", Body: fmt.Sprintf("event-%d", i)}
		if err := snd.Send(ev); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// Delivery is at-least-once: count distinct bodies, tolerate repeats.
	delivered := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(delivered) < n {
		select {
		case ev := <-got:
			if !strings.HasPrefix(ev.Body, "event-") {
				t.Fatalf("unexpected body %q", ev.Body)
			}
			delivered[ev.Body] = true
		case <-deadline:
			t.Fatalf("timed out with %d/%d distinct events", len(delivered), n)
		}
	}

	waitDrained(t, emit)
}

// A link that drops the first transmission of every data frame. Each record
// must come through on its resend, and the emitter must observe the resends.
func TestLossyLinkDeliversEverything(t *testing.T) {
	ta, tb := transport.NewPipe()
	lossy := transport.NewLossyPipe(ta, func(h wire.Header, attempt int) bool {
		return !h.IsAck() && attempt == 1
	})

	fast := reliability.MonitorConfig{AckTimeout: 60 * time.Millisecond, MaxRetries: 2}
	emit := startEngine(t, "lossy-emit", lossy, fast)
	sink := startEngine(t, "lossy-sink", tb, reliability.MonitorConfig{})

	resent := make(chan reliability.DeliveryEvent, 64)
	emit.OnStatus.Connect(signal.Bind(func(ev reliability.DeliveryEvent) {
		if ev.Status == reliability.StatusResent {
			resent <- ev
		}
	}))

	got := make(chan Event, 32)
	recv, err := remote.NewReceiver[Event](sink, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	recv.Connect(signal.Bind(func(ev Event) { got <- ev }))

	snd := remote.NewSender[Event](emit, 4, nil)
	const n = 3
	for i := 0; i < n; i++ {
		if err := snd.Send(Event{Source: "lossy", Body: fmt.Sprintf("r%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	delivered := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(delivered) < n {
		select {
		case ev := <-got:
			delivered[ev.Body] = true
		case <-deadline:
			t.Fatalf("timed out with %d/%d events despite retries", len(delivered), n)
		}
	}

	// Every first transmission was dropped, so each delivery rode a resend.
	if len(resent) < n {
		t.Errorf("observed %d resend events, want at least %d", len(resent), n)
	}

	waitDrained(t, emit)
}

// memRegistry keeps registration in memory so discovery and selection can
// be exercised without etcd.
type memRegistry struct {
	instances map[uint16][]registry.Instance
}

func newMemRegistry() *memRegistry {
	return &memRegistry{instances: make(map[uint16][]registry.Instance)}
}

func (m *memRegistry) Register(id uint16, inst registry.Instance, ttl int64) error {
	m.instances[id] = append(m.instances[id], inst)
	return nil
}

func (m *memRegistry) Deregister(id uint16, addr string) error {
	insts := m.instances[id]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[id] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memRegistry) Discover(id uint16) ([]registry.Instance, error) {
	return m.instances[id], nil
}

func (m *memRegistry) Watch(id uint16) <-chan []registry.Instance {
	return nil
}

var _ registry.Registry = (*memRegistry)(nil)

func TestDiscoveryAndSelection(t *testing.T) {
	reg := newMemRegistry()
	reg.Register(7, registry.Instance{Addr: "127.0.0.1:9001", Weight: 1, Proto: "udp"}, 10)
	reg.Register(7, registry.Instance{Addr: "127.0.0.1:9002", Weight: 1, Proto: "udp"}, 10)

	instances, err := reg.Discover(7)
	if err != nil {
		t.Fatal(err)
	}

	picker := &balance.RoundRobin{}
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		inst, err := picker.Pick(instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr] = true
	}
	if len(seen) != 2 {
		t.Fatalf("round robin hit %d instances, want 2", len(seen))
	}

	reg.Deregister(7, "127.0.0.1:9001")
	instances, _ = reg.Discover(7)
	if len(instances) != 1 || instances[0].Addr != "127.0.0.1:9002" {
		t.Fatalf("after deregister: %v", instances)
	}
}

func requireEtcd(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:2379", 200*time.Millisecond)
	if err != nil {
		t.Skip("etcd not reachable at 127.0.0.1:2379, skipping")
	}
	conn.Close()
}

// The full pipeline: a sink registers its bound address in etcd, an emitter
// discovers it, picks it, and delivers records over UDP.
func TestFullPipelineWithEtcd(t *testing.T) {
	requireEtcd(t)

	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Fatalf("connect etcd: %v", err)
	}
	defer reg.Close()

	const id = uint16(31)

	sinkTr, err := transport.NewUDPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sink := startEngine(t, "etcd-sink", sinkTr, reliability.MonitorConfig{})

	got := make(chan Event, 32)
	recv, err := remote.NewReceiver[Event](sink, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	recv.Connect(signal.Bind(func(ev Event) { got <- ev }))

	addr := sinkTr.LocalAddr().String()
	if err := reg.Register(id, registry.Instance{Addr: addr, Weight: 1, Proto: "udp"}, 5); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer reg.Deregister(id, addr)

	instances, err := reg.Discover(id)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	inst, err := (&balance.RoundRobin{}).Pick(instances)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}

	emitTr, err := transport.NewUDP("127.0.0.1:0", inst.Addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	emit := startEngine(t, "etcd-emit", emitTr, reliability.MonitorConfig{})

	snd := remote.NewSender[Event](emit, id, nil)
	const n = 3
	for i := 0; i < n; i++ {
		if err := snd.Send(Event{Source: "etcd-itest", Body: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	delivered := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(delivered) < n {
		select {
		case ev := <-got:
			delivered[ev.Body] = true
		case <-deadline:
			t.Fatalf("timed out with %d/%d events", len(delivered), n)
		}
	}

	waitDrained(t, emit)
}
