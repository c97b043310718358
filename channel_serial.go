package d1_arm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DefaultSerialBaud is the baud rate of the serial bus bridge.
const DefaultSerialBaud = 115200

// SerialChannel writes bus frames to a serial bridge, one line per message:
// the topic, a space, the payload and a newline. Channels on the same port
// share one handle through a PortRegistry. A write that stalls past its
// deadline faults the shared port, and every channel on it fails from then on.
type SerialChannel struct {
	portName string
	registry *PortRegistry
	logger   logging.Logger

	mu    sync.Mutex
	entry *portEntry
}

// OpenSerialChannel opens the serial port at the given baud rate.
func OpenSerialChannel(portName string, baud int, logger logging.Logger) (*SerialChannel, error) {
	return openSerialChannel(sharedPorts, portName, baud, logger)
}

func openSerialChannel(registry *PortRegistry, portName string, baud int, logger logging.Logger) (*SerialChannel, error) {
	if portName == "" {
		return nil, errors.New("serial port must be specified")
	}
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	entry, err := registry.acquire(portName, baud, logger)
	if err != nil {
		return nil, err
	}
	return &SerialChannel{portName: portName, registry: registry, logger: logger, entry: entry}, nil
}

func (c *SerialChannel) Write(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	entry := c.entry
	c.mu.Unlock()
	if entry == nil {
		return errors.Errorf("serial port %s is closed", c.portName)
	}

	frame := make([]byte, 0, len(topic)+len(payload)+2)
	frame = append(frame, topic...)
	frame = append(frame, ' ')
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	var started, finished atomic.Bool
	err := writeWithContext(ctx, func() error {
		entry.writeMu.Lock()
		defer entry.writeMu.Unlock()
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "frame expired before write")
		}
		if entry.faulted.Load() {
			return errors.Errorf("serial port %s faulted by an earlier stalled write", c.portName)
		}
		started.Store(true)
		n, err := entry.port.Write(frame)
		finished.Store(true)
		if err != nil {
			return errors.Wrap(err, "failed to write to serial port")
		}
		if n != len(frame) {
			return errors.Errorf("short write to serial port: %d of %d bytes", n, len(frame))
		}
		return nil
	})
	if err != nil && started.Load() && !finished.Load() {
		// the frame is still in flight; closing the port keeps it off the bus
		c.registry.fault(entry, c.logger)
	}
	return err
}

// Close releases this channel's reference on the port.
func (c *SerialChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return nil
	}
	entry := c.entry
	c.entry = nil
	return c.registry.release(entry, c.logger)
}
