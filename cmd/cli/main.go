package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	d1 "d1_arm"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

type options struct {
	configPath string
	scriptPath string
	pose       string
	host       string
	port       int
	pace       time.Duration
	paceSet    bool
	channel    string
	serialPort string
	dryRun     bool
	debug      bool
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, "d1-arm:", err)
		os.Exit(1)
	}
}

func realMain() error {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "JSON config file")
	flag.StringVar(&opts.scriptPath, "script", "", "motion script, one pose per line (- for stdin)")
	flag.StringVar(&opts.pose, "pose", "", "single pose: \"x y z\" or \"x y z a b c d\"")
	flag.StringVar(&opts.host, "host", "", "IK solver host")
	flag.IntVar(&opts.port, "port", 0, "IK solver port")
	flag.DurationVar(&opts.pace, "pace", d1.DefaultPace, "delay after each published motion, overrides the config file")
	flag.StringVar(&opts.channel, "channel", "", "bus channel: log or serial")
	flag.StringVar(&opts.serialPort, "serial-port", "", "serial port of the bus bridge")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "log bus frames instead of sending them")
	flag.BoolVar(&opts.debug, "debug", false, "debug logging")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "pace" {
			opts.paceSet = true
		}
	})

	logger := logging.NewLogger("d1-arm")
	if opts.debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return err
	}
	source, closeSource, err := openSource(opts)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(closeSource)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open, err := d1.ChannelOpenerFor(cfg, logger.Sublogger("bus"))
	if err != nil {
		return err
	}
	report, err := play(ctx, cfg, open, source, logger)
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)
	return nil
}

func loadConfig(opts options, logger logging.Logger) (*d1.Config, error) {
	cfg := &d1.Config{}
	if opts.configPath != "" {
		loaded, err := d1.LoadConfig(opts.configPath, logger)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.host != "" {
		cfg.SolverHost = opts.host
	}
	if opts.port != 0 {
		cfg.SolverPort = opts.port
	}
	if opts.paceSet {
		pace := d1.Duration(opts.pace)
		cfg.Pace = &pace
	}
	if opts.channel != "" {
		cfg.Channel = opts.channel
	}
	if opts.serialPort != "" {
		cfg.SerialPort = opts.serialPort
		if opts.channel == "" {
			cfg.Channel = d1.ChannelSerial
		}
	}
	if opts.dryRun {
		cfg.Channel = d1.ChannelLog
	}
	if _, _, err := cfg.Validate("flags"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openSource(opts options) (d1.PoseSource, func() error, error) {
	noop := func() error { return nil }
	switch {
	case opts.pose != "" && opts.scriptPath != "":
		return nil, nil, errors.New("use either -pose or -script, not both")
	case opts.pose != "":
		pose, err := d1.ParsePoseLine(opts.pose)
		if err != nil {
			return nil, nil, errors.Wrap(err, "invalid -pose")
		}
		return d1.NewPoseList(pose), noop, nil
	case opts.scriptPath == "-":
		return d1.NewScriptReader(os.Stdin), noop, nil
	case opts.scriptPath != "":
		f, err := os.Open(opts.scriptPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening script")
		}
		return d1.NewScriptReader(f), f.Close, nil
	default:
		return nil, nil, errors.New("a -script or -pose is required")
	}
}

// play runs the full startup sequence and the playback loop. Any error it
// returns happened before the first motion command or ended the run. The bus
// channel is opened only once the solver is ready.
func play(ctx context.Context, cfg *d1.Config, open d1.ChannelOpener, source d1.PoseSource, logger logging.Logger) (d1.Report, error) {
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return d1.Report{}, err
	}
	session := d1.NewIKSession(sessionCfg, logger.Sublogger("ik"))
	defer utils.UncheckedErrorFunc(session.Close)

	if err := session.Connect(ctx); err != nil {
		return d1.Report{}, err
	}
	if err := session.AwaitReady(ctx, cfg.ReadyAttempts, time.Duration(cfg.ReadyInterval)); err != nil {
		return d1.Report{}, err
	}

	publisher := d1.NewArmPublisher(open, cfg.Topic, sessionCfg.Codec, time.Duration(cfg.PublishTimeout), logger.Sublogger("publisher"))
	if err := publisher.Initialize(ctx); err != nil {
		return d1.Report{}, err
	}
	defer utils.UncheckedErrorFunc(publisher.Close)

	encoder := d1.NewCommandEncoder(cfg.Address, cfg.AngleUnits)
	orch := d1.NewOrchestrator(session, encoder, publisher, d1.OrchestratorConfig{
		Pace:    cfg.PaceDuration(),
		Gripper: cfg.Gripper,
	}, logger)
	return orch.Run(ctx, source)
}

func printReport(w io.Writer, r d1.Report) {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Playback complete"))
	sb.WriteString("\n")
	sb.WriteString(okStyle.Render(fmt.Sprintf("  published  %d / %d poses", r.Published, r.Poses)))
	sb.WriteString("\n")
	failures := []struct {
		label string
		count int
	}{
		{"bad lines", r.ParseErrors},
		{"solve failures", r.SolveFailures},
		{"encode failures", r.EncodeFailures},
		{"publish failures", r.PublishFailures},
	}
	for _, f := range failures {
		if f.count == 0 {
			continue
		}
		sb.WriteString(warnStyle.Render(fmt.Sprintf("  %-16s %d", f.label, f.count)))
		sb.WriteString("\n")
	}
	fmt.Fprint(w, sb.String())
}
