package reliability

import "testing"

func TestEndpointFragmentsLargePacket(t *testing.T) {
	e := newPacketEndpoint()
	data := make([]byte, FragmentSize*3+1)
	for i := range data {
		data[i] = byte(i)
	}

	var frags [][]byte
	e.send(data, func(f []byte) { frags = append(frags, f) })

	if len(frags) != 4 {
		t.Fatalf("got %d fragments, want 4", len(frags))
	}

	var delivered []byte
	recv := newPacketEndpoint()
	for _, f := range frags {
		recv.receive(f, func(b []byte) { delivered = b })
	}
	if string(delivered) != string(data) {
		t.Fatalf("reassembled %d bytes, want %d bytes matching original", len(delivered), len(data))
	}
}

func TestEndpointSmallPacketSingleFragment(t *testing.T) {
	e := newPacketEndpoint()
	var frags [][]byte
	e.send([]byte("hi"), func(f []byte) { frags = append(frags, f) })
	if len(frags) != 1 {
		t.Fatalf("got %d fragments for a small packet, want 1", len(frags))
	}

	recv := newPacketEndpoint()
	var got []byte
	recv.receive(frags[0], func(b []byte) { got = b })
	if string(got) != "hi" {
		t.Fatalf("delivered %q, want %q", got, "hi")
	}
}

func TestEndpointReassemblyOutOfOrderFragments(t *testing.T) {
	e := newPacketEndpoint()
	data := make([]byte, FragmentSize*2+10)
	var frags [][]byte
	e.send(data, func(f []byte) { frags = append(frags, f) })
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}

	recv := newPacketEndpoint()
	var delivered []byte
	recv.receive(frags[2], func(b []byte) { delivered = b })
	recv.receive(frags[0], func(b []byte) { delivered = b })
	if delivered != nil {
		t.Fatal("packet should not be delivered before every fragment has arrived")
	}
	recv.receive(frags[1], func(b []byte) { delivered = b })
	if len(delivered) != len(data) {
		t.Fatalf("reassembled %d bytes, want %d", len(delivered), len(data))
	}
}

func TestEndpointAckRoundTrip(t *testing.T) {
	sender := newPacketEndpoint()
	receiver := newPacketEndpoint()

	var sentFrags [][]byte
	seq := sender.send([]byte("payload"), func(f []byte) { sentFrags = append(sentFrags, f) })

	for _, f := range sentFrags {
		receiver.receive(f, func([]byte) {})
	}

	// The receiver's next send should carry an ack for seq.
	var replyFrag []byte
	receiver.send([]byte("reply"), func(f []byte) { replyFrag = f })

	sender.receive(replyFrag, func([]byte) {})
	acked := sender.drainAcks()
	found := false
	for _, a := range acked {
		if a == seq {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected seq %d to be acked, got %v", seq, acked)
	}

	if got := sender.drainAcks(); got != nil {
		t.Fatalf("second drainAcks should be empty, got %v", got)
	}
}
