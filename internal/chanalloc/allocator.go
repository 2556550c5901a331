// Package chanalloc hands out the multicast (address, port) pairs that back
// project chat channels.
package chanalloc

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
)

const (
	// DefaultBaseAddress is the address preceding the first allocation.
	DefaultBaseAddress = "239.0.0.0"
	// DefaultBasePort is the port given to the first allocation.
	DefaultBasePort = 10000

	maxPort = 65535
)

// ErrNoAddressAvailable is returned once the address block is exhausted.
var ErrNoAddressAvailable = errors.New("chanalloc: no multicast address available")

// Channel identifies one project chat group.
type Channel struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String renders the channel as host:port.
func (c Channel) String() string {
	return netip.AddrPortFrom(c.addr(), uint16(c.Port)).String()
}

// IsZero reports whether the channel was never assigned.
func (c Channel) IsZero() bool {
	return c.Address == "" && c.Port == 0
}

func (c Channel) addr() netip.Addr {
	a, err := netip.ParseAddr(c.Address)
	if err != nil {
		return netip.Addr{}
	}
	return a
}

// UDPAddr returns the address string accepted by net.ResolveUDPAddr.
func (c Channel) UDPAddr() string {
	return c.Address + ":" + strconv.Itoa(c.Port)
}

// Allocator assigns channels in increasing order. The least significant
// octet is incremented first and carries into the two middle octets; the
// leading octet never changes. Addresses are never handed out twice within
// the lifetime of an Allocator.
type Allocator struct {
	mu       sync.Mutex
	last     [4]byte
	nextPort int
	live     map[Channel]struct{}
}

// New creates an Allocator whose first allocation follows base.
func New(base string, basePort int) (*Allocator, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil {
		return nil, fmt.Errorf("parse base address %q: %w", base, err)
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("base address %q is not IPv4", base)
	}
	if basePort <= 0 || basePort > maxPort {
		return nil, fmt.Errorf("base port %d out of range", basePort)
	}

	return &Allocator{
		last:     addr.As4(),
		nextPort: basePort,
		live:     make(map[Channel]struct{}),
	}, nil
}

// NewDefault creates an Allocator over 239.0.0.0/8 starting at port 10000.
func NewDefault() *Allocator {
	a, _ := New(DefaultBaseAddress, DefaultBasePort)
	return a
}

// Allocate returns the next free channel.
func (a *Allocator) Allocate() (Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nextPort > maxPort {
		return Channel{}, ErrNoAddressAvailable
	}

	next := a.last
	switch {
	case next[3] < 255:
		next[3]++
	case next[2] < 255:
		next[2]++
		next[3] = 0
	case next[1] < 255:
		next[1]++
		next[2] = 0
		next[3] = 0
	default:
		return Channel{}, ErrNoAddressAvailable
	}

	ch := Channel{
		Address: netip.AddrFrom4(next).String(),
		Port:    a.nextPort,
	}
	a.last = next
	a.nextPort++
	a.live[ch] = struct{}{}
	return ch, nil
}

// Release marks ch as no longer backing a project. The pair stays retired.
func (a *Allocator) Release(ch Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, ch)
}

// Live returns the number of channels currently backing a project.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
