package groot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

type MessageType uint8

const (
	MessageSubscribe   MessageType = 0x01
	MessageUnsubscribe MessageType = 0x02
	MessageAlteration  MessageType = 0x03
	MessageClusterJoin MessageType = 0x04
	MessagePublish     MessageType = 0x05
)

func (t MessageType) String() string {
	switch t {
	case MessageSubscribe:
		return "subscribe"
	case MessageUnsubscribe:
		return "unsubscribe"
	case MessageAlteration:
		return "alteration"
	case MessageClusterJoin:
		return "cluster_join"
	case MessagePublish:
		return "publish"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	ProtocolVersion = 1

	HeaderSize = 13
	QuerySize  = 8
	DataSize   = 35

	flagQuery       = 1 << 0
	flagData        = 1 << 1
	flagClusterHead = 1 << 2
)

var ProtocolMagic = [2]byte{'G', 'T'}

type Header struct {
	Version       uint8
	Magic         [2]byte
	NextHop       Address
	IsClusterHead bool
	Type          MessageType
	Owner         Address
	QueryID       uint16
	LoopGuard     Address
}

// NewHeader returns a header stamped with the current protocol version and magic.
func NewHeader(typ MessageType, owner Address, queryID uint16) Header {
	return Header{
		Version: ProtocolVersion,
		Magic:   ProtocolMagic,
		Type:    typ,
		Owner:   owner,
		QueryID: queryID,
	}
}

func (h Header) Key() Key {
	return Key{QueryID: h.QueryID, Owner: h.Owner}
}

type Query struct {
	SampleID   uint16
	SampleRate time.Duration
	Aggregator Aggregator
	Sensors    SensorSet
}

// Reading is the sensor data block of a Publish. Seq numbers the publishes of one node for one
// query.
type Reading struct {
	Seq  uint16
	Data SensorsData
}

type Packet struct {
	Header  Header
	Query   Optional[Query]
	Reading Optional[Reading]
}

// Size returns the encoded length, computable from block presence alone.
func (p *Packet) Size() int {
	size := HeaderSize
	if p.Query.IsDefined() {
		size += QuerySize
	}
	if p.Reading.IsDefined() {
		size += DataSize
	}
	return size
}

func Encode(p *Packet) []byte {
	var buf bytes.Buffer
	buf.Grow(p.Size())

	var flags byte
	if p.Query.IsDefined() {
		flags |= flagQuery
	}
	if p.Reading.IsDefined() {
		flags |= flagData
	}
	if p.Header.IsClusterHead {
		flags |= flagClusterHead
	}

	h := p.Header
	buf.WriteByte(h.Version)
	buf.Write(h.Magic[:])
	buf.WriteByte(byte(h.Type))
	buf.WriteByte(flags)
	binary.Write(&buf, binary.BigEndian, uint16(h.NextHop))
	binary.Write(&buf, binary.BigEndian, uint16(h.Owner))
	binary.Write(&buf, binary.BigEndian, h.QueryID)
	binary.Write(&buf, binary.BigEndian, uint16(h.LoopGuard))

	if p.Query.IsDefined() {
		q := p.Query.Get()
		binary.Write(&buf, binary.BigEndian, q.SampleID)
		binary.Write(&buf, binary.BigEndian, encodeRate(q.SampleRate))
		buf.WriteByte(byte(q.Aggregator))
		buf.WriteByte(q.Sensors.Bits())
	}

	if p.Reading.IsDefined() {
		r := p.Reading.Get()
		binary.Write(&buf, binary.BigEndian, r.Seq)
		buf.WriteByte(r.Data.Sensors.Bits())
		value := make([]byte, 8)
		for _, s := range AllSensors {
			encodeFloat(value, r.Data.Values[s])
			buf.Write(value)
		}
	}

	return buf.Bytes()
}

// DecodeHeader parses only the fixed header. A wrong magic or version yields ErrProtocolMismatch
// and the rest of the buffer must not be looked at.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < 3 {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	if data[0] != ProtocolVersion || data[1] != ProtocolMagic[0] || data[2] != ProtocolMagic[1] {
		return Header{}, ErrProtocolMismatch
	}
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedPacket, HeaderSize, len(data))
	}

	flags := data[4]
	return Header{
		Version:       data[0],
		Magic:         [2]byte{data[1], data[2]},
		Type:          MessageType(data[3]),
		IsClusterHead: flags&flagClusterHead != 0,
		NextHop:       Address(binary.BigEndian.Uint16(data[5:7])),
		Owner:         Address(binary.BigEndian.Uint16(data[7:9])),
		QueryID:       binary.BigEndian.Uint16(data[9:11]),
		LoopGuard:     Address(binary.BigEndian.Uint16(data[11:13])),
	}, nil
}

func Decode(data []byte) (*Packet, error) {

	header, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	p := &Packet{Header: header}
	flags := data[4]
	remaining := data[HeaderSize:]

	if flags&flagQuery != 0 {
		if len(remaining) < QuerySize {
			return nil, fmt.Errorf("%w: query block truncated", ErrMalformedPacket)
		}
		q := Query{
			SampleID:   binary.BigEndian.Uint16(remaining[0:2]),
			SampleRate: decodeRate(binary.BigEndian.Uint32(remaining[2:6])),
			Aggregator: Aggregator(remaining[6]),
			Sensors:    SensorSetFromBits(remaining[7]),
		}
		if !q.Aggregator.IsValid() {
			return nil, fmt.Errorf("%w: aggregator %d", ErrMalformedPacket, remaining[6])
		}
		p.Query = NewDefined(q)
		remaining = remaining[QuerySize:]
	}

	if flags&flagData != 0 {
		if len(remaining) < DataSize {
			return nil, fmt.Errorf("%w: data block truncated", ErrMalformedPacket)
		}
		r := Reading{
			Seq: binary.BigEndian.Uint16(remaining[0:2]),
		}
		r.Data.Sensors = SensorSetFromBits(remaining[2])
		values := remaining[3:]
		for _, s := range AllSensors {
			r.Data.Values[s] = decodeFloat(values[int(s)*8:])
		}
		p.Reading = NewDefined(r)
	}

	return p, nil
}
