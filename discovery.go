package d1_arm

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

var D1DiscoveryModel = resource.NewModel("devrel", "d1", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		D1DiscoveryModel,
		resource.Registration[discovery.Service, *D1DiscoveryConfig]{
			Constructor: newD1Discovery,
		})
}

// D1DiscoveryConfig is the configuration for the discovery service.
type D1DiscoveryConfig struct {
	SolverHost string `json:"solver_host,omitempty"`
	SolverPort int    `json:"solver_port,omitempty"`
}

func (cfg *D1DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

// d1Discovery proposes ik-motion service configs for the bus bridges plugged
// into this machine.
type d1Discovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	solver    SessionConfig
	listPorts func() []string
}

func newD1Discovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*D1DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &d1Discovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		solver:    SessionConfig{Host: cfg.SolverHost, Port: cfg.SolverPort},
		listPorts: enumerateSerialPorts,
	}, nil
}

// DiscoverResources returns one serial ik-motion config per candidate port,
// plus a dry-run config on the log channel when no bridge is found.
func (dis *d1Discovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting D1 discovery")

	solverUp := dis.solverReachable(ctx)
	candidates := filterCandidatePorts(dis.listPorts())
	dis.logger.Debugf("Found %d candidate bridge ports", len(candidates))

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}
		configs = append(configs, dis.serviceConfig(extractPortSuffix(portPath), map[string]interface{}{
			"channel":     ChannelSerial,
			"serial_port": portPath,
		}))
	}

	if len(configs) == 0 {
		dis.logger.Info("No bus bridge discovered, proposing a dry-run service")
		configs = append(configs, dis.serviceConfig("dry-run", map[string]interface{}{
			"channel": ChannelLog,
		}))
	}
	if !solverUp {
		dis.logger.Warnf("IK solver at %s did not answer", dis.solver.addr())
	}
	return configs, nil
}

func (dis *d1Discovery) serviceConfig(suffix string, attrs map[string]interface{}) resource.Config {
	host, port := dis.solver.Host, dis.solver.Port
	if host == "" {
		host = DefaultSolverHost
	}
	if port == 0 {
		port = DefaultSolverPort
	}
	attrs["solver_host"] = host
	attrs["solver_port"] = port
	return resource.Config{
		Name:       "d1-motion-" + suffix,
		API:        generic.API,
		Model:      D1MotionModel,
		Attributes: attrs,
	}
}

// solverReachable reports whether something accepts connections at the solver
// address. It does not ping, so a busy solver keeps its single client.
func (dis *d1Discovery) solverReachable(ctx context.Context) bool {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", dis.solver.addr())
	if err != nil {
		dis.logger.Debugf("IK solver dial failed: %v", err)
		return false
	}
	conn.Close()
	return true
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(port string) bool {
	// Linux
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix turns a port path into a name suffix:
// /dev/ttyUSB0 -> "ttyUSB0", /dev/cu.usbmodem123 -> "usbmodem123".
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
