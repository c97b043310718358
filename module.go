package d1_arm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
)

var D1MotionModel = resource.NewModel("devrel", "d1", "ik-motion")

func init() {
	resource.RegisterService(generic.API, D1MotionModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newD1Motion,
		},
	)
}

// d1Motion exposes the solve and publish pipeline as a generic service.
type d1Motion struct {
	resource.Named
	resource.AlwaysRebuild

	logger       logging.Logger
	cfg          *Config
	session      *IKSession
	encoder      *CommandEncoder
	publisher    *ArmPublisher
	orchestrator *Orchestrator

	mu         sync.Mutex
	lastTarget *Pose
}

func newD1Motion(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	m, err := newD1MotionFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	m.Named = rawConf.ResourceName().AsNamed()
	return m, nil
}

// newD1MotionFromConfig connects to the solver, opens the bus and enables arm control.
func newD1MotionFromConfig(ctx context.Context, cfg *Config, logger logging.Logger) (*d1Motion, error) {
	if _, _, err := cfg.Validate(""); err != nil {
		return nil, err
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	open, err := ChannelOpenerFor(cfg, logger.Sublogger("bus"))
	if err != nil {
		return nil, err
	}
	return newD1MotionWith(ctx, cfg, NewIKSession(sessionCfg, logger.Sublogger("ik")), open, logger)
}

func newD1MotionWith(ctx context.Context, cfg *Config, session *IKSession, open ChannelOpener, logger logging.Logger) (*d1Motion, error) {
	m := &d1Motion{
		logger:    logger,
		cfg:       cfg,
		session:   session,
		encoder:   NewCommandEncoder(cfg.Address, cfg.AngleUnits),
		publisher: NewArmPublisher(open, cfg.Topic, session.cfg.Codec, time.Duration(cfg.PublishTimeout), logger),
	}
	m.orchestrator = NewOrchestrator(m.session, m.encoder, m.publisher, OrchestratorConfig{
		Pace:    cfg.PaceDuration(),
		Gripper: cfg.Gripper,
	}, logger)

	if err := m.session.Connect(ctx); err != nil {
		return nil, err
	}
	if err := m.session.AwaitReady(ctx, cfg.ReadyAttempts, time.Duration(cfg.ReadyInterval)); err != nil {
		m.closeQuietly()
		return nil, err
	}
	if err := m.publisher.Initialize(ctx); err != nil {
		m.closeQuietly()
		return nil, err
	}
	if err := m.orchestrator.Start(ctx); err != nil {
		m.closeQuietly()
		return nil, err
	}
	logger.Infof("D1 motion service ready, solver %s, topic %s", m.session.Addr(), m.publisher.Topic())
	return m, nil
}

func (m *d1Motion) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "move_to":
		pose, err := poseFromCommand(cmd)
		if err != nil {
			return nil, err
		}
		var msg ControlMessage
		if g, ok := cmd["gripper"].(float64); ok {
			msg, err = m.orchestrator.MoveToWithGripper(ctx, pose, &g)
		} else {
			msg, err = m.orchestrator.MoveTo(ctx, pose)
		}
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.lastTarget = &pose
		m.mu.Unlock()
		return map[string]interface{}{
			"seq":     msg.Seq,
			"funcode": uint(msg.FunctionCode),
		}, nil

	case "enable":
		if err := m.orchestrator.Enable(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "status":
		resp := map[string]interface{}{
			"session":  m.session.State().String(),
			"solver":   m.session.Addr(),
			"topic":    m.publisher.Topic(),
			"next_seq": m.encoder.NextSequence(),
		}
		m.mu.Lock()
		if m.lastTarget != nil {
			sp := m.lastTarget.SpatialPose()
			pt := sp.Point()
			ov := sp.Orientation().OrientationVectorDegrees()
			resp["last_target"] = map[string]interface{}{
				"x":     pt.X,
				"y":     pt.Y,
				"z":     pt.Z,
				"o_x":   ov.OX,
				"o_y":   ov.OY,
				"o_z":   ov.OZ,
				"theta": ov.Theta,
			}
		}
		m.mu.Unlock()
		return resp, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func poseFromCommand(cmd map[string]interface{}) (Pose, error) {
	position, err := floatList(cmd["position"])
	if err != nil {
		return Pose{}, errors.Wrap(err, "move_to position")
	}
	if len(position) != 3 {
		return Pose{}, errors.Errorf("move_to requires a 3 element 'position', got %d", len(position))
	}
	values := position
	if raw, ok := cmd["orientation"]; ok && raw != nil {
		orientation, err := floatList(raw)
		if err != nil {
			return Pose{}, errors.Wrap(err, "move_to orientation")
		}
		if len(orientation) != 4 {
			return Pose{}, errors.Errorf("move_to 'orientation' must have 4 elements, got %d", len(orientation))
		}
		values = append(values, orientation...)
	}
	return PoseFromFloats(values)
}

func floatList(raw interface{}) ([]float64, error) {
	switch v := raw.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []interface{}:
		out := make([]float64, 0, len(v))
		for i, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil, errors.Errorf("element %d is %T, not a number", i, item)
			}
			out = append(out, f)
		}
		return out, nil
	case nil:
		return nil, errors.New("missing value")
	default:
		return nil, errors.Errorf("expected a list of numbers, got %T", raw)
	}
}

func (m *d1Motion) closeQuietly() {
	if err := m.publisher.Close(); err != nil {
		m.logger.Debugw("closing arm publisher", "error", err)
	}
	if err := m.session.Close(); err != nil {
		m.logger.Debugw("closing ik session", "error", err)
	}
}

func (m *d1Motion) Close(ctx context.Context) error {
	return multierr.Combine(
		errors.Wrap(m.publisher.Close(), "closing arm publisher"),
		errors.Wrap(m.session.Close(), "closing ik session"),
	)
}
