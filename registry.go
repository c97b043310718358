package d1_arm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// portEntry is one open bridge port shared by every channel using it.
type portEntry struct {
	name     string
	port     serial.Port
	baud     int
	refCount int

	// writeMu keeps frames from different channels from interleaving.
	writeMu sync.Mutex
	faulted atomic.Bool
}

// PortRegistry hands out reference counted serial ports keyed by path.
type PortRegistry struct {
	open func(name string, mode *serial.Mode) (serial.Port, error)

	mu      sync.Mutex
	entries map[string]*portEntry
}

func NewPortRegistry() *PortRegistry {
	return newPortRegistry(serial.Open)
}

func newPortRegistry(open func(string, *serial.Mode) (serial.Port, error)) *PortRegistry {
	return &PortRegistry{
		open:    open,
		entries: make(map[string]*portEntry),
	}
}

var sharedPorts = NewPortRegistry()

func (r *PortRegistry) acquire(name string, baud int, logger logging.Logger) (*portEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[name]; exists {
		if entry.baud != baud {
			return nil, fmt.Errorf("conflict: port %s already open at %d baud (refCount: %d)", name, entry.baud, entry.refCount)
		}
		entry.refCount++
		return entry, nil
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := r.open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		logger.Debugf("Failed to reset output buffer on %s: %v", name, err)
	}

	entry := &portEntry{name: name, port: port, baud: baud, refCount: 1}
	r.entries[name] = entry
	logger.Infof("Connected to arm bus bridge on %s at %d baud", name, baud)
	return entry, nil
}

// release drops one reference and closes the port with the last one.
func (r *PortRegistry) release(entry *portEntry, logger logging.Logger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.faulted.Load() {
		return nil
	}
	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}
	delete(r.entries, entry.name)
	if err := entry.port.Close(); err != nil {
		logger.Warnf("error closing shared port %s: %v", entry.name, err)
		return err
	}
	return nil
}

// fault closes the port under a stalled write and forgets it, so the next
// acquire opens a fresh handle. Channels still holding entry fail their writes.
func (r *PortRegistry) fault(entry *portEntry, logger logging.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !entry.faulted.CompareAndSwap(false, true) {
		return
	}
	if r.entries[entry.name] == entry {
		delete(r.entries, entry.name)
	}
	logger.Warnf("write to %s stalled, closing port (refCount: %d)", entry.name, entry.refCount)
	if err := entry.port.Close(); err != nil {
		logger.Warnf("error closing stalled port %s: %v", entry.name, err)
	}
}

// Status returns the reference count of a port and whether it is open.
func (r *PortRegistry) Status(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[name]
	if !exists {
		return 0, false
	}
	return entry.refCount, true
}
