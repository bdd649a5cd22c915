package groot

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"
)

const (
	maxUdpMessageSize = 1024
	ipv6Address       = "ff02::cafe:face:6774:1"
	radioHopLimit     = 1
)

type Datagram struct {
	Payload []byte
	Addr    *net.UDPAddr
}

// UdpPipe is one link-local multicast channel. Every process joined to the same channel on the
// same link hears every datagram, which is how a radio neighborhood behaves.
type UdpPipe struct {
	conn       *net.UDPConn
	packetConn *ipv6.PacketConn
	addr       *net.UDPAddr
	rcvChannel chan<- Datagram
}

// channelAddr derives the multicast address of a named channel; the port lands in 1024-49151.
func channelAddr(channel string) (*net.UDPAddr, error) {
	port := 1024 + int(CalculateHash(channel)&0xBBFF)
	return net.ResolveUDPAddr("udp6", fmt.Sprintf("[%s]:%d", ipv6Address, port))
}

func NewMulticastPipe(netInterface *net.Interface, channel string, rcvChannel chan<- Datagram, log *logrus.Entry) (*UdpPipe, error) {

	addr, err := channelAddr(channel)
	if err != nil {
		return nil, err
	}

	log.Infof("Creating %s UDP pipe on %s", channel, addr)

	conn, err := net.ListenMulticastUDP("udp6", netInterface, addr)
	if err != nil {
		return nil, err
	}

	packetConn := ipv6.NewPacketConn(conn)
	if err := packetConn.SetMulticastInterface(netInterface); err != nil {
		conn.Close()
		return nil, err
	}
	if err := packetConn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, err
	}
	if err := packetConn.SetMulticastHopLimit(radioHopLimit); err != nil {
		conn.Close()
		return nil, err
	}

	pipe := &UdpPipe{
		conn:       conn,
		packetConn: packetConn,
		addr:       addr,
		rcvChannel: rcvChannel,
	}

	go pipe.read()

	return pipe, nil
}

func (pipe *UdpPipe) read() {
	for {
		buf := make([]byte, maxUdpMessageSize)
		n, _, src, err := pipe.packetConn.ReadFrom(buf)
		if err != nil {
			return
		}
		udpSrc, _ := src.(*net.UDPAddr)
		pipe.rcvChannel <- Datagram{
			Payload: buf[:n],
			Addr:    udpSrc,
		}
	}
}

func (pipe *UdpPipe) Send(payload []byte) error {
	if len(payload) > maxUdpMessageSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), maxUdpMessageSize)
	}
	_, err := pipe.packetConn.WriteTo(payload, nil, pipe.addr)
	return err
}

func (pipe *UdpPipe) Close() error {
	return pipe.conn.Close()
}
