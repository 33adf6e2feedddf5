package reliability

import "time"

// MaxInflight is the maximum number of unacked reliable messages outstanding
// at once. ResendDelay is how long an unacked message waits before its
// fragments are re-emitted.
const (
	MaxInflight = 32
	ResendDelay = 200 * time.Millisecond

	// MaxPayload is the largest application payload Send will accept: the
	// frame (one header byte plus the payload) must fit in
	// MaxFragments*FragmentSize bytes.
	MaxPayload = MaxFragments*FragmentSize - 1

	ringSize = 2 * MaxInflight // 64: twice the sender's inflight window, so staged sequences never share a slot.
)

const (
	reliableBit = 0x80
	seqMask     = 0x7f
)

// Logger is the single-method logging hook the overlay, and every other
// component in this module, accepts. A nil Logger silences diagnostics.
type Logger interface {
	Logf(format string, args ...any)
}

type inflightRecord struct {
	packetSeq uint16
	lastSent  time.Time
	fragments [][]byte
}

type ringSlot struct {
	data []byte
	set  bool
}

// Overlay is the reliability overlay: it multiplexes a reliable, strictly
// ordered message channel and an unreliable, unordered one over a single
// packetEndpoint. Every exported method is intended to be called from one
// goroutine only — the caller's update loop — matching the single-threaded
// cooperative model the rest of this module uses.
type Overlay struct {
	endpoint *packetEndpoint
	wire     func([]byte) error
	deliver  func([]byte)
	logger   Logger
	now      func() time.Time

	nextOutSeq uint8
	inflight   []*inflightRecord

	nextInSeq uint8
	ring      [ringSize]ringSlot

	processing   bool
	deferredSend []byte
	haveDeferred bool
}

// New builds an Overlay. wire is called with a fully framed, fragmented
// wire-ready packet whenever the overlay needs to put bytes on the
// underlying datagram channel. deliver is called with one reassembled
// application payload at a time, in the order described in §4.1 of this
// module's design: reliable payloads in strict sequence, unreliable
// payloads as they arrive. clock lets tests substitute a synthetic time
// source; pass nil to use time.Now.
func New(wire func([]byte) error, deliver func([]byte), logger Logger, clock func() time.Time) *Overlay {
	if clock == nil {
		clock = time.Now
	}
	return &Overlay{
		endpoint: newPacketEndpoint(),
		wire:     wire,
		deliver:  deliver,
		logger:   logger,
		now:      clock,
	}
}

func (o *Overlay) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Logf(format, args...)
	}
}

// InflightCount reports how many reliable messages are currently unacked.
func (o *Overlay) InflightCount() int { return len(o.inflight) }

// Send frames and transmits payload, reliably or not. Sends issued while
// ProcessIncoming is running (from the deliver callback) are deferred until
// it returns, and only the last wire packet emitted in that window is kept;
// earlier ones are logged and dropped.
func (o *Overlay) Send(payload []byte, reliable bool) error {
	if reliable {
		return o.sendReliable(payload)
	}
	return o.sendUnreliable(payload)
}

func (o *Overlay) sendReliable(payload []byte) error {
	if len(payload) > MaxPayload {
		return errPayloadTooLarge
	}
	if len(o.inflight) >= MaxInflight {
		return errInflightFull
	}

	frame := make([]byte, 1+len(payload))
	frame[0] = reliableBit | o.nextOutSeq
	copy(frame[1:], payload)

	rec := &inflightRecord{lastSent: o.now()}
	rec.packetSeq = o.endpoint.send(frame, func(frag []byte) {
		cp := append([]byte(nil), frag...)
		rec.fragments = append(rec.fragments, cp)
		o.emit(cp)
	})

	o.inflight = append(o.inflight, rec)
	o.nextOutSeq = (o.nextOutSeq + 1) & seqMask
	return nil
}

func (o *Overlay) sendUnreliable(payload []byte) error {
	if len(payload) > MaxPayload {
		return errPayloadTooLarge
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = 0
	copy(frame[1:], payload)

	o.endpoint.send(frame, func(frag []byte) {
		o.emit(append([]byte(nil), frag...))
	})
	return nil
}

// emit either writes frame to the wire immediately, or — while a receive
// callback is in progress — stashes it as the single deferred send so any
// ack it carries can piggyback on the packet that triggered it.
func (o *Overlay) emit(frame []byte) {
	if o.processing {
		if o.haveDeferred {
			o.logf("[ro] deferred send overwritten before flush; dropping %d earlier bytes", len(o.deferredSend))
		}
		o.deferredSend = frame
		o.haveDeferred = true
		return
	}
	if err := o.wire(frame); err != nil {
		o.logf("[ro] send failed: %v", err)
	}
}

func (o *Overlay) flushDeferred() {
	if !o.haveDeferred {
		return
	}
	frame := o.deferredSend
	o.deferredSend = nil
	o.haveDeferred = false
	if err := o.wire(frame); err != nil {
		o.logf("[ro] deferred send failed: %v", err)
	}
}

// ProcessIncoming hands one raw wire packet up from the datagram channel.
// It reassembles fragments, applies the reliable-ordering/dedup rules, acks
// whatever the endpoint has learned was acked, and flushes any send that
// was deferred while processing.
func (o *Overlay) ProcessIncoming(raw []byte) {
	o.processing = true
	o.endpoint.receive(raw, o.handleFrame)
	for _, seq := range o.endpoint.drainAcks() {
		o.ackPacket(seq)
	}
	o.processing = false
	o.flushDeferred()
}

func (o *Overlay) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	header, payload := frame[0], frame[1:]
	if header&reliableBit == 0 {
		o.deliver(payload)
		return
	}

	s := header & seqMask
	if s == o.nextInSeq {
		o.deliver(payload)
		o.nextInSeq = (o.nextInSeq + 1) & seqMask
		for {
			idx := int(o.nextInSeq) % ringSize
			slot := &o.ring[idx]
			if !slot.set {
				break
			}
			o.deliver(slot.data)
			slot.set = false
			slot.data = nil
			o.nextInSeq = (o.nextInSeq + 1) & seqMask
		}
		return
	}

	if (s-o.nextInSeq)&seqMask >= ringSize {
		// Behind nextInSeq: a retransmitted copy of a message already
		// delivered. Staging it would surface it again one ring lap later.
		return
	}

	idx := int(s) % ringSize
	slot := &o.ring[idx]
	if slot.set {
		o.logf("[ro] reliable seq %d collided with an occupied ring slot; dropping", s)
		return
	}
	slot.set = true
	slot.data = append([]byte(nil), payload...)
}

func (o *Overlay) ackPacket(seq uint16) {
	for i, rec := range o.inflight {
		if rec.packetSeq != seq {
			continue
		}
		last := len(o.inflight) - 1
		o.inflight[i] = o.inflight[last]
		o.inflight[last] = nil
		o.inflight = o.inflight[:last]
		return
	}
}

// Update re-emits any unacked reliable message's stored fragments once
// ResendDelay has elapsed since its last send.
func (o *Overlay) Update(now time.Time) {
	for _, rec := range o.inflight {
		if now.Sub(rec.lastSent) < ResendDelay {
			continue
		}
		for _, frag := range rec.fragments {
			if err := o.wire(frag); err != nil {
				o.logf("[ro] resend failed: %v", err)
			}
		}
		rec.lastSent = now
	}
}

// Cleanup releases every buffered fragment (outgoing records and incoming
// ring slots), matching the "every buffered fragment is freed on cleanup"
// invariant.
func (o *Overlay) Cleanup() {
	o.inflight = nil
	for i := range o.ring {
		o.ring[i] = ringSlot{}
	}
	o.deferredSend = nil
	o.haveDeferred = false
}

var (
	errPayloadTooLarge = overlayError("reliability: payload exceeds maximum message size")
	errInflightFull    = overlayError("reliability: too many unacked reliable messages in flight")
)

type overlayError string

func (e overlayError) Error() string { return string(e) }
