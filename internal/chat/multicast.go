package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"go.uber.org/zap"
)

// MulticastBus sends chat messages as UDP datagrams to the group address.
type MulticastBus struct {
	iface *net.Interface
	log   *zap.Logger
}

// NewMulticastBus creates a bus joining groups on the named interface, or
// on the system default when ifaceName is empty.
func NewMulticastBus(ifaceName string, log *zap.Logger) (*MulticastBus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &MulticastBus{log: log}
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", ifaceName, err)
		}
		b.iface = iface
	}
	return b, nil
}

// Publish sends one datagram.
func (b *MulticastBus) Publish(ctx context.Context, ch chanalloc.Channel, text string) error {
	addr, err := net.ResolveUDPAddr("udp4", ch.UDPAddr())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ch, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ch, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write([]byte(truncate(text)))
	return err
}

type multicastSubscription struct {
	conn *net.UDPConn
	msgs chan string
	once sync.Once
}

func (s *multicastSubscription) Messages() <-chan string { return s.msgs }

func (s *multicastSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}

// Subscribe joins the multicast group and reads datagrams until closed.
func (b *MulticastBus) Subscribe(_ context.Context, ch chanalloc.Channel) (Subscription, error) {
	addr, err := net.ResolveUDPAddr("udp4", ch.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ch, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", b.iface, addr)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", ch, err)
	}
	_ = conn.SetReadBuffer(MaxMessageSize * 16)

	sub := &multicastSubscription{conn: conn, msgs: make(chan string, 64)}
	go b.readLoop(ch, sub)
	return sub, nil
}

func (b *MulticastBus) readLoop(ch chanalloc.Channel, sub *multicastSubscription) {
	defer close(sub.msgs)

	buf := make([]byte, MaxMessageSize)
	for {
		n, _, err := sub.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.log.Sugar().Warnw("multicast read failed", "channel", ch.String(), "err", err)
			}
			return
		}
		msg := strings.TrimSpace(string(buf[:n]))
		select {
		case sub.msgs <- msg:
		default:
			b.log.Sugar().Debugw("dropping chat message for slow listener", "channel", ch.String())
		}
	}
}

// Close is a no-op; each subscription owns its socket.
func (b *MulticastBus) Close() error {
	return nil
}
