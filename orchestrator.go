package d1_arm

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// IKSolver is the part of IKSession the orchestrator drives.
type IKSolver interface {
	State() IKSessionState
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context) (bool, error)
	Solve(ctx context.Context, pose Pose) (JointSolution, error)
}

// ArmSender publishes control messages.
type ArmSender interface {
	Send(ctx context.Context, msg ControlMessage) error
}

// OrchestratorConfig holds the motion settings.
type OrchestratorConfig struct {
	// Pace is the settling delay after each published motion. Zero disables it.
	Pace time.Duration
	// Gripper, when set, overrides the solved seventh value of every command.
	Gripper *float64
}

// Report summarizes a playback run.
type Report struct {
	Poses           int
	ParseErrors     int
	SolveFailures   int
	EncodeFailures  int
	PublishFailures int
	Published       int
}

// Orchestrator runs poses through solve, encode and publish, one at a time.
// It sends the enable-control command before any motion command.
type Orchestrator struct {
	solver    IKSolver
	encoder   *CommandEncoder
	publisher ArmSender
	cfg       OrchestratorConfig
	logger    logging.Logger

	mu       sync.Mutex
	enabled  bool
	commands int
}

func NewOrchestrator(solver IKSolver, encoder *CommandEncoder, publisher ArmSender, cfg OrchestratorConfig, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		solver:    solver,
		encoder:   encoder,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start sends enable-control once. Later calls do nothing.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ctx)
}

func (o *Orchestrator) startLocked(ctx context.Context) error {
	if o.enabled {
		return nil
	}
	return o.enableLocked(ctx)
}

// Enable sends enable-control again, for example after the arm was power cycled.
func (o *Orchestrator) Enable(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enableLocked(ctx)
}

func (o *Orchestrator) enableLocked(ctx context.Context) error {
	msg := o.encoder.EnableControl()
	if err := o.publisher.Send(ctx, msg); err != nil {
		o.logger.Errorw("enable control failed", "seq", msg.Seq, "error", err)
		return errors.Wrap(err, "enabling arm control")
	}
	o.enabled = true
	o.logger.Infow("arm control enabled", "seq", msg.Seq)
	return nil
}

type moveStage int

const (
	stageSolve moveStage = iota
	stageEncode
	stagePublish
)

// Run plays every pose from source. Bad script lines and per-pose solve or
// publish failures are logged and skipped. It returns early only when enabling
// control fails, the source fails to read, or ctx ends.
func (o *Orchestrator) Run(ctx context.Context, source PoseSource) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var report Report
	if err := o.startLocked(ctx); err != nil {
		return report, err
	}

	settle := false
	for {
		pose, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *ParseError
		if errors.As(err, &perr) {
			report.ParseErrors++
			o.logger.Warnw("skipping malformed script line", "line", perr.Line, "text", perr.Text, "error", perr.Err)
			continue
		}
		if err != nil {
			return report, err
		}

		if settle && o.cfg.Pace > 0 {
			if !utils.SelectContextOrWait(ctx, o.cfg.Pace) {
				return report, ctx.Err()
			}
		}
		settle = false

		report.Poses++
		_, stage, err := o.moveLocked(ctx, pose, o.cfg.Gripper)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			switch stage {
			case stageSolve:
				report.SolveFailures++
			case stageEncode:
				report.EncodeFailures++
			case stagePublish:
				report.PublishFailures++
			}
			continue
		}
		report.Published++
		settle = true
	}

	o.logger.Infow("playback finished",
		"poses", report.Poses,
		"published", report.Published,
		"parse_errors", report.ParseErrors,
		"solve_failures", report.SolveFailures,
		"publish_failures", report.PublishFailures)
	return report, nil
}

// MoveTo solves and publishes a single pose, returning the published message.
func (o *Orchestrator) MoveTo(ctx context.Context, pose Pose) (ControlMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.startLocked(ctx); err != nil {
		return ControlMessage{}, err
	}
	msg, _, err := o.moveLocked(ctx, pose, o.cfg.Gripper)
	return msg, err
}

// MoveToWithGripper is MoveTo with a gripper value for this move only.
func (o *Orchestrator) MoveToWithGripper(ctx context.Context, pose Pose, gripper *float64) (ControlMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.startLocked(ctx); err != nil {
		return ControlMessage{}, err
	}
	msg, _, err := o.moveLocked(ctx, pose, gripper)
	return msg, err
}

func (o *Orchestrator) moveLocked(ctx context.Context, pose Pose, gripper *float64) (ControlMessage, moveStage, error) {
	o.commands++
	index := o.commands

	if err := o.ensureReadyLocked(ctx); err != nil {
		o.logger.Errorw("ik solver unavailable, skipping pose", "pose_index", index, "pose", pose.String(), "error", err)
		return ControlMessage{}, stageSolve, err
	}

	start := time.Now()
	solution, err := o.solver.Solve(ctx, pose)
	if err != nil {
		o.logger.Errorw("ik solve failed, skipping pose", "pose_index", index, "pose", pose.String(), "error", err)
		return ControlMessage{}, stageSolve, err
	}
	o.logger.Debugw("ik solved", "pose_index", index, "angles", solution.Angles, "elapsed", time.Since(start))

	msg, err := o.encoder.SetAllJointAngles(solution, gripper)
	if err != nil {
		o.logger.Errorw("encoding joint command failed", "pose_index", index, "error", err)
		return ControlMessage{}, stageEncode, err
	}

	if err := o.publisher.Send(ctx, msg); err != nil {
		o.logger.Errorw("publishing joint command failed", "pose_index", index, "seq", msg.Seq, "error", err)
		return msg, stagePublish, err
	}
	o.logger.Infow("joint command published", "pose_index", index, "seq", msg.Seq, "pose", pose.String())
	return msg, stagePublish, nil
}

// ensureReadyLocked brings a faulted or dropped solver session back to Ready.
func (o *Orchestrator) ensureReadyLocked(ctx context.Context) error {
	switch o.solver.State() {
	case StateReady:
		return nil
	case StateFaulted, StateDisconnected:
		if err := o.solver.Reconnect(ctx); err != nil {
			return err
		}
	}
	ready, err := o.solver.Ping(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return errors.Wrap(ErrNotReady, "solver reported not ready")
	}
	return nil
}
