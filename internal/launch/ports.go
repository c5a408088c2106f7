package launch

import (
	"fmt"
	"net"
	"sync"
)

// Debug port range preferred by the allocator, grounded on
// options.py's MIN_DEBUG_PORT/MAX_DEBUG_PORT class constants.
const (
	minDebugPort = 29000
	maxDebugPort = 65000
)

// PortAllocator hands out free TCP ports for Chrome's
// --remote-debugging-port, tracking the process-wide set of ports
// currently in use so two concurrent launches never collide even though
// the OS would also refuse to double-bind. Safe for concurrent use.
type PortAllocator struct {
	mu    sync.Mutex
	inUse map[int]bool
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{inUse: make(map[int]bool)}
}

// Allocate binds a TCP socket to port 0 to get an OS-assigned free port,
// retrying until it lands one inside [minDebugPort, maxDebugPort] that
// this allocator hasn't already handed out. If none of the probes lands
// inside the range, the first out-of-range port not already handed out is
// returned instead. The probing socket is closed
// immediately after the port number is read off it; a narrow window
// exists where another process could grab it between close and Chrome's
// own bind, which is inherent to this allocation style.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	const maxAttempts = 64
	var fallback int
	haveFallback := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := probeFreePort()
		if err != nil {
			return 0, fmt.Errorf("probe free port: %w", err)
		}
		if a.inUse[port] {
			continue
		}
		if port >= minDebugPort && port <= maxDebugPort {
			a.inUse[port] = true
			return port, nil
		}
		if !haveFallback {
			fallback, haveFallback = port, true
		}
	}
	if haveFallback {
		a.inUse[fallback] = true
		return fallback, nil
	}
	return 0, fmt.Errorf("no free debug port found after %d attempts", maxAttempts)
}

// Release frees a previously allocated port for reuse.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

func probeFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
