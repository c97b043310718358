package d1_arm

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/services/generic"
)

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "Linux USB ports",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS USB ports",
			ports:    []string{"/dev/tty.usbmodem123", "/dev/tty.Bluetooth", "/dev/cu.usbserial-AB"},
			expected: []string{"/dev/tty.usbmodem123", "/dev/cu.usbserial-AB"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "LPT1"},
			expected: []string{"COM3"},
		},
		{
			name:     "Empty list",
			ports:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filterCandidatePorts(tt.ports))
		})
	}
}

func TestExtractPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", extractPortSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "usbmodem123", extractPortSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "usbserial-AB", extractPortSuffix("/dev/cu.usbserial-AB"))
	assert.Equal(t, "COM3", extractPortSuffix("COM3"))
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestDiscoverResources(t *testing.T) {
	dis := &d1Discovery{
		logger:    logging.NewTestLogger(t),
		solver:    SessionConfig{Host: "127.0.0.1", Port: closedPort(t)},
		listPorts: func() []string { return []string{"/dev/ttyS0", "/dev/ttyUSB1"} },
	}

	configs, err := dis.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "d1-motion-ttyUSB1", configs[0].Name)
	assert.Equal(t, generic.API, configs[0].API)
	assert.Equal(t, D1MotionModel, configs[0].Model)
	assert.Equal(t, "/dev/ttyUSB1", configs[0].Attributes["serial_port"])
	assert.Equal(t, ChannelSerial, configs[0].Attributes["channel"])
	assert.Equal(t, "127.0.0.1", configs[0].Attributes["solver_host"])
}

func TestDiscoverResourcesDryRun(t *testing.T) {
	s := newStubSolver(t)
	dis := &d1Discovery{
		logger:    logging.NewTestLogger(t),
		solver:    SessionConfig{Host: "127.0.0.1", Port: s.port()},
		listPorts: func() []string { return nil },
	}

	configs, err := dis.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "d1-motion-dry-run", configs[0].Name)
	assert.Equal(t, ChannelLog, configs[0].Attributes["channel"])
	assert.Equal(t, s.port(), configs[0].Attributes["solver_port"])

	// discovery connects but never pings
	_, pings, _, _ := s.stats()
	assert.Equal(t, 0, pings)
}
