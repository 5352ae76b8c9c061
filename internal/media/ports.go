package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortAllocator hands out local RTP ports for per-call media sessions,
// within a configurable range. Even ports only, keeping the odd neighbor
// free by RTP convention.
type PortAllocator struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int // next port to try (even number)
}

// NewPortAllocator creates an allocator for the given port range.
// portMin must be even; portMax must be > portMin.
func NewPortAllocator(portMin, portMax int, logger *slog.Logger) (*PortAllocator, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "rtp-ports")
	l.Info("rtp port allocator initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", (portMax-portMin+1)/2,
	)

	return &PortAllocator{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Capacity returns the total number of ports available in the range.
func (a *PortAllocator) Capacity() int {
	return (a.portMax - a.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated ports.
func (a *PortAllocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// Allocate reserves an RTP port from the pool. Each candidate is probed
// with a bind so ports held by other processes are skipped.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	capacity := a.Capacity()
	if len(a.allocated) >= capacity {
		return 0, fmt.Errorf("no rtp ports available (all %d allocated)", capacity)
	}

	startPort := a.nextPort
	for {
		port := a.nextPort

		// Advance nextPort for the next allocation (wrap around).
		a.nextPort += 2
		if a.nextPort > a.portMax-1 {
			a.nextPort = a.portMin
		}

		if _, taken := a.allocated[port]; taken {
			if a.nextPort == startPort {
				return 0, fmt.Errorf("no rtp ports available (all checked)")
			}
			continue
		}

		if err := probeBind(port); err != nil {
			a.logger.Debug("port bind probe failed, trying next",
				"rtp_port", port,
				"error", err,
			)
			if a.nextPort == startPort {
				return 0, fmt.Errorf("no bindable rtp ports available")
			}
			continue
		}

		a.allocated[port] = struct{}{}
		a.logger.Debug("rtp port allocated",
			"rtp_port", port,
			"allocated", len(a.allocated),
			"capacity", capacity,
		)
		return port, nil
	}
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocated[port]; !ok {
		a.logger.Warn("release of unallocated port", "rtp_port", port)
		return
	}
	delete(a.allocated, port)
	a.logger.Debug("rtp port released",
		"rtp_port", port,
		"allocated", len(a.allocated),
	)
}

// probeBind checks that a UDP port is currently bindable.
func probeBind(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	return conn.Close()
}
