package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// DefaultGroup is the multicast group used when UDPConfig.Group is empty.
const DefaultGroup = "239.255.77.77:47474"

// maxDatagram is the largest envelope the UDP transport will send.
const maxDatagram = 65000

// ErrTooLarge is returned by UDP.Send for envelopes over one datagram.
var ErrTooLarge = errors.New("peer: envelope exceeds datagram size")

// UDPConfig configures the multicast transport.
type UDPConfig struct {
	Group     string
	Interface string
}

// UDP is a same-device (or same-segment) broadcast scope over IPv4
// multicast with loopback enabled, so processes on one host see each other.
type UDP struct {
	in    *inbound
	conn  *ipv4.PacketConn
	raw   net.PacketConn
	group *net.UDPAddr

	wg   sync.WaitGroup
	once sync.Once
}

// NewUDP binds the group port, joins the group and starts reading.
func NewUDP(cfg UDPConfig, self string, logger *slog.Logger) (*UDP, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("peer: udp group: %w", err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("peer: udp group %s is not multicast", group.IP)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("peer: udp interface: %w", err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	raw, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("peer: udp listen: %w", err)
	}
	pc := ipv4.NewPacketConn(raw)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: udp join %s: %w", group.IP, err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			raw.Close()
			return nil, fmt.Errorf("peer: udp interface: %w", err)
		}
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: udp loopback: %w", err)
	}
	_ = pc.SetMulticastTTL(1)

	u := &UDP{in: newInbound(self, logger), conn: pc, raw: raw, group: group}
	u.wg.Add(1)
	go u.loop()
	return u, nil
}

func (u *UDP) Send(_ context.Context, payload []byte) error {
	data, err := Seal(u.in.self, payload)
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if _, err := u.conn.WriteTo(data, nil, u.group); err != nil {
		return fmt.Errorf("peer: udp send: %w", err)
	}
	u.in.sent.Add(1)
	return nil
}

func (u *UDP) OnReceive(h Handler) { u.in.add(h) }

// Stats returns the transport's counters.
func (u *UDP) Stats() Stats { return u.in.stats() }

func (u *UDP) Close() error {
	var err error
	u.once.Do(func() {
		_ = u.conn.LeaveGroup(nil, &net.UDPAddr{IP: u.group.IP})
		err = u.raw.Close()
		u.wg.Wait()
	})
	return err
}

func (u *UDP) loop() {
	defer u.wg.Done()
	buf := make([]byte, 1<<16)
	for {
		n, _, _, err := u.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.in.logger.Debug("peer: udp read failed", "error", err)
			continue
		}
		u.in.dispatch(append([]byte(nil), buf[:n]...))
	}
}
