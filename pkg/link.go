package groot

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

const (
	frameBroadcast = 0x01
	frameUnicast   = 0x02
	frameAck       = 0x03

	linkChannel       = "groot:radio"
	seenRetention     = 30 * time.Second
	seenPruneAt       = 1024
	retransmitInitial = 250 * time.Millisecond
	retransmitMax     = 4 * time.Second
)

// LinkFrame is the link-layer envelope around a protocol packet.
type LinkFrame struct {
	Kind    uint8   `cbor:"1,keyasint"`
	Src     Address `cbor:"2,keyasint"`
	Dst     Address `cbor:"3,keyasint,omitempty"`
	Seq     uint32  `cbor:"4,keyasint,omitempty"`
	Payload []byte  `cbor:"5,keyasint,omitempty"`
}

func EncodeFrame(f *LinkFrame) ([]byte, error) {
	return cbor.Marshal(f)
}

func DecodeFrame(data []byte) (*LinkFrame, bool) {
	f := &LinkFrame{}
	if err := cbor.Unmarshal(data, f); err != nil {
		return nil, false
	}
	if f.Kind < frameBroadcast || f.Kind > frameAck || f.Src.IsNull() {
		return nil, false
	}
	return f, true
}

type pendingUnicast struct {
	dest     Address
	frame    []byte
	attempts int
	max      int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
}

type seenKey struct {
	src Address
	seq uint32
}

// LinkTransport emulates a radio link layer over a UDP multicast channel: broadcasts reach every
// node on the link, unicasts are acknowledged by their destination and retransmitted otherwise.
// Received traffic is posted to a Loop so the receiver stays single threaded.
type LinkTransport struct {
	self       Address
	loop       *Loop
	pipe       *UdpPipe
	rcvChannel chan Datagram
	log        *logrus.Entry

	mutex    sync.Mutex
	receiver Receiver

	// seq starts from the clock so a restarted node is not taken for a duplicate
	seq     uint32
	pending map[uint32]*pendingUnicast
	seen    map[seenKey]time.Time
}

func OpenLink(interfaceName string, self Address, loop *Loop, log *logrus.Entry) (*LinkTransport, error) {
	if self.IsNull() {
		return nil, fmt.Errorf("link address must not be %s", self)
	}

	in, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, err
	}

	link := &LinkTransport{
		self:       self,
		loop:       loop,
		rcvChannel: make(chan Datagram),
		log:        log.WithField("link", self.String()),
		seq:        uint32(time.Now().UnixNano()),
		pending:    make(map[uint32]*pendingUnicast),
		seen:       make(map[seenKey]time.Time),
	}

	pipe, err := NewMulticastPipe(in, linkChannel, link.rcvChannel, link.log)
	if err != nil {
		return nil, err
	}
	link.pipe = pipe

	go link.readPipe()

	return link, nil
}

// Bind sets the receiver inbound traffic is delivered to. Frames arriving before Bind are dropped.
func (link *LinkTransport) Bind(receiver Receiver) {
	link.mutex.Lock()
	defer link.mutex.Unlock()
	link.receiver = receiver
}

func (link *LinkTransport) Close() error {
	link.mutex.Lock()
	for seq, p := range link.pending {
		p.timer.Stop()
		delete(link.pending, seq)
	}
	link.mutex.Unlock()
	return link.pipe.Close()
}

func (link *LinkTransport) Broadcast(data []byte) error {
	frame, err := EncodeFrame(&LinkFrame{
		Kind:    frameBroadcast,
		Src:     link.self,
		Payload: data,
	})
	if err != nil {
		return err
	}
	return link.pipe.Send(frame)
}

func (link *LinkTransport) Unicast(dest Address, data []byte, maxRetransmissions int) error {
	link.mutex.Lock()
	defer link.mutex.Unlock()

	link.seq++
	seq := link.seq
	frame, err := EncodeFrame(&LinkFrame{
		Kind:    frameUnicast,
		Src:     link.self,
		Dst:     dest,
		Seq:     seq,
		Payload: data,
	})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retransmitInitial
	b.MaxInterval = retransmitMax

	p := &pendingUnicast{
		dest:    dest,
		frame:   frame,
		max:     maxRetransmissions,
		backoff: b,
	}
	p.timer = time.AfterFunc(b.NextBackOff(), func() {
		link.retransmit(seq)
	})
	link.pending[seq] = p

	return link.pipe.Send(frame)
}

func (link *LinkTransport) retransmit(seq uint32) {
	if f := link.retransmitLocked(seq); f != nil {
		link.loop.Post(f)
	}
}

func (link *LinkTransport) retransmitLocked(seq uint32) func() {
	link.mutex.Lock()
	defer link.mutex.Unlock()

	p, ok := link.pending[seq]
	if !ok {
		return nil
	}

	if p.attempts >= p.max {
		delete(link.pending, seq)
		return link.callback(func(r Receiver) {
			r.UnicastTimedOut(p.dest, p.attempts)
		})
	}

	p.attempts++
	if err := link.pipe.Send(p.frame); err != nil {
		link.log.WithError(err).WithField("to", p.dest).Warn("Retransmission failed")
	}
	p.timer = time.AfterFunc(p.backoff.NextBackOff(), func() {
		link.retransmit(seq)
	})
	return nil
}

// callback binds f to the current receiver; must be called with the mutex held. The result is
// posted to the loop only after the mutex is released, as the loop may be waiting for it.
func (link *LinkTransport) callback(f func(Receiver)) func() {
	receiver := link.receiver
	if receiver == nil {
		return nil
	}
	return func() {
		f(receiver)
	}
}

func (link *LinkTransport) readPipe() {
	for d := range link.rcvChannel {
		frame, ok := DecodeFrame(d.Payload)
		if !ok || frame.Src == link.self {
			continue
		}
		if f := link.handleFrame(frame); f != nil {
			link.loop.Post(f)
		}
	}
}

func (link *LinkTransport) handleFrame(frame *LinkFrame) func() {
	link.mutex.Lock()
	defer link.mutex.Unlock()

	switch frame.Kind {
	case frameBroadcast:
		payload := frame.Payload
		from := frame.Src
		return link.callback(func(r Receiver) {
			r.Receive(from, payload)
		})

	case frameUnicast:
		if frame.Dst != link.self {
			return nil
		}
		ack, err := EncodeFrame(&LinkFrame{
			Kind: frameAck,
			Src:  link.self,
			Dst:  frame.Src,
			Seq:  frame.Seq,
		})
		if err == nil {
			if err := link.pipe.Send(ack); err != nil {
				link.log.WithError(err).Warn("Ack failed")
			}
		}
		if !link.firstSeen(frame.Src, frame.Seq) {
			return nil
		}
		payload := frame.Payload
		from := frame.Src
		return link.callback(func(r Receiver) {
			r.ReceiveUnicast(from, payload)
		})

	case frameAck:
		if frame.Dst != link.self {
			return nil
		}
		p, ok := link.pending[frame.Seq]
		if !ok || p.dest != frame.Src {
			return nil
		}
		p.timer.Stop()
		delete(link.pending, frame.Seq)
		return link.callback(func(r Receiver) {
			r.UnicastSent(p.dest, p.attempts)
		})
	}
	return nil
}

// firstSeen filters retransmitted copies of a unicast already delivered.
func (link *LinkTransport) firstSeen(src Address, seq uint32) bool {
	now := time.Now()
	key := seenKey{src: src, seq: seq}
	if _, dup := link.seen[key]; dup {
		return false
	}
	if len(link.seen) >= seenPruneAt {
		for k, at := range link.seen {
			if now.Sub(at) > seenRetention {
				delete(link.seen, k)
			}
		}
	}
	link.seen[key] = now
	return true
}
