package reliability

import (
	"testing"
	"time"
)

// wireLink connects two Overlays directly, bypassing any real socket, so
// the reliability properties can be tested deterministically and with
// explicit control over which packets are "lost".
type wireLink struct {
	drop map[int]bool
	sent int
	to   *Overlay
}

func (w *wireLink) send(frame []byte) error {
	n := w.sent
	w.sent++
	if w.drop[n] {
		return nil
	}
	cp := append([]byte(nil), frame...)
	w.to.ProcessIncoming(cp)
	return nil
}

func newPair(t *testing.T) (sender *Overlay, received *[][]byte, link *wireLink) {
	t.Helper()
	var delivered [][]byte
	receiver := New(func([]byte) error { return nil }, func(b []byte) {
		delivered = append(delivered, append([]byte(nil), b...))
	}, nil, nil)

	l := &wireLink{drop: map[int]bool{}, to: receiver}
	s := New(l.send, func([]byte) {}, nil, nil)
	return s, &delivered, l
}

func TestReliableOrderingInOrder(t *testing.T) {
	sender, delivered, _ := newPair(t)
	msgs := []string{"a", "b", "c", "d", "e"}
	for _, m := range msgs {
		if err := sender.Send([]byte(m), true); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if len(*delivered) != len(msgs) {
		t.Fatalf("delivered %d messages, want %d", len(*delivered), len(msgs))
	}
	for i, m := range msgs {
		if string((*delivered)[i]) != m {
			t.Errorf("delivered[%d] = %q, want %q", i, (*delivered)[i], m)
		}
	}
}

func TestReliableOrderingOutOfOrderDelivery(t *testing.T) {
	// Build frames manually and feed them to a receiver out of send order,
	// to exercise the staging ring without relying on transport reordering.
	var delivered []string
	receiver := New(func([]byte) error { return nil }, func(b []byte) {
		delivered = append(delivered, string(b))
	}, nil, nil)

	ep := newPacketEndpoint()
	frame := func(seq uint8, payload string) []byte {
		f := make([]byte, 1+len(payload))
		f[0] = reliableBit | seq
		copy(f[1:], payload)
		var out []byte
		ep.send(f, func(frag []byte) { out = frag })
		return out
	}

	p0 := frame(0, "zero")
	p1 := frame(1, "one")
	p2 := frame(2, "two")

	receiver.ProcessIncoming(p2)
	receiver.ProcessIncoming(p1)
	receiver.ProcessIncoming(p0)

	want := []string{"zero", "one", "two"}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %v, want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q", i, delivered[i], want[i])
		}
	}
}

func TestDuplicateTolerance(t *testing.T) {
	var delivered []string
	receiver := New(func([]byte) error { return nil }, func(b []byte) {
		delivered = append(delivered, string(b))
	}, nil, nil)

	ep := newPacketEndpoint()
	frame := func(seq uint8, payload string) []byte {
		f := make([]byte, 1+len(payload))
		f[0] = reliableBit | seq
		copy(f[1:], payload)
		var out []byte
		ep.send(f, func(frag []byte) { out = frag })
		return out
	}

	trace := [][]byte{frame(0, "hello"), frame(1, "world")}

	// Replaying a prefix of the wire trace (here, the whole thing twice)
	// must yield the same delivered sequence, not a duplicated one.
	for _, pkt := range trace {
		receiver.ProcessIncoming(pkt)
	}
	for _, pkt := range trace {
		receiver.ProcessIncoming(pkt)
	}

	want := []string{"hello", "world"}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %v, want %v (duplicates must not re-deliver)", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q", i, delivered[i], want[i])
		}
	}
}

func TestAckFreesInflightSlot(t *testing.T) {
	sender, _, link := newPair(t)
	for i := 0; i < 5; i++ {
		if err := sender.Send([]byte("msg"), true); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// Acks ride on the receiver's own outgoing packets: route its wire back
	// to the sender and have it send one.
	receiver := link.to
	receiver.wire = func(f []byte) error { sender.ProcessIncoming(f); return nil }
	if err := receiver.Send(nil, false); err != nil {
		t.Fatalf("receiver send: %v", err)
	}
	if sender.InflightCount() != 0 {
		t.Fatalf("inflight = %d, want 0 once the receiver has acked everything", sender.InflightCount())
	}
}

func TestUnreliableBypassesInflight(t *testing.T) {
	sender, delivered, _ := newPair(t)
	if err := sender.Send([]byte("ping"), false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.InflightCount() != 0 {
		t.Fatalf("unreliable send should not occupy an inflight slot, got %d", sender.InflightCount())
	}
	if len(*delivered) != 1 || string((*delivered)[0]) != "ping" {
		t.Fatalf("delivered = %v, want [ping]", *delivered)
	}
}

func TestInflightFullRejectsSend(t *testing.T) {
	sender := New(func([]byte) error { return nil }, func([]byte) {}, nil, nil)
	for i := 0; i < MaxInflight; i++ {
		if err := sender.Send([]byte("x"), true); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := sender.Send([]byte("overflow"), true); err == nil {
		t.Fatal("expected an error once MaxInflight reliable sends are outstanding")
	}
}

func TestRetransmitsAfterResendDelay(t *testing.T) {
	var wireCalls int
	now := time.Unix(0, 0)
	sender := New(func([]byte) error { wireCalls++; return nil }, func([]byte) {}, nil, func() time.Time { return now })

	if err := sender.Send([]byte("unacked"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	callsAfterSend := wireCalls

	now = now.Add(ResendDelay / 2)
	sender.Update(now)
	if wireCalls != callsAfterSend {
		t.Fatalf("resent before ResendDelay elapsed: wireCalls=%d want=%d", wireCalls, callsAfterSend)
	}

	now = now.Add(ResendDelay)
	sender.Update(now)
	if wireCalls <= callsAfterSend {
		t.Fatalf("expected a resend after ResendDelay, wireCalls=%d", wireCalls)
	}
}

func TestSequenceWraparound(t *testing.T) {
	sender, delivered, link := newPair(t)
	// Acks ride on the receiver's own outgoing packets; send one back after
	// each message so the sender's inflight window keeps draining.
	receiver := link.to
	receiver.wire = func(f []byte) error { sender.ProcessIncoming(f); return nil }
	const n = 128
	for i := 0; i < n; i++ {
		if err := sender.Send([]byte{byte(i)}, true); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if err := receiver.Send(nil, false); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}
	if sender.nextOutSeq != 0 {
		t.Fatalf("nextOutSeq = %d after %d sends, want 0 (wrapped)", sender.nextOutSeq, n)
	}
	if len(*delivered) != n {
		t.Fatalf("delivered %d messages, want %d", len(*delivered), n)
	}
	for i := 0; i < n; i++ {
		if (*delivered)[i][0] != byte(i) {
			t.Fatalf("delivered[%d] = %d, want %d", i, (*delivered)[i][0], i)
		}
	}
}

func TestCleanupClearsState(t *testing.T) {
	sender, _, _ := newPair(t)
	if err := sender.Send([]byte("x"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	sender.Cleanup()
	if sender.InflightCount() != 0 {
		t.Fatalf("InflightCount = %d after Cleanup, want 0", sender.InflightCount())
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	sender := New(func([]byte) error { return nil }, func([]byte) {}, nil, nil)
	oversize := make([]byte, MaxPayload+1)
	if err := sender.Send(oversize, true); err == nil {
		t.Fatal("expected an error for an oversize reliable payload")
	}
	if err := sender.Send(oversize, false); err == nil {
		t.Fatal("expected an error for an oversize unreliable payload")
	}
}
