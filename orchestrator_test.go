package d1_arm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeSolver is a scripted IKSolver.
type fakeSolver struct {
	state      IKSessionState
	ready      bool
	results    []error
	solves     int
	reconnects int
	pings      int
}

func (f *fakeSolver) State() IKSessionState { return f.state }

func (f *fakeSolver) Reconnect(ctx context.Context) error {
	f.reconnects++
	f.state = StateConnected
	return nil
}

func (f *fakeSolver) Ping(ctx context.Context) (bool, error) {
	f.pings++
	if f.ready {
		f.state = StateReady
	}
	return f.ready, nil
}

func (f *fakeSolver) Solve(ctx context.Context, pose Pose) (JointSolution, error) {
	f.solves++
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			f.state = StateFaulted
			return JointSolution{}, err
		}
	}
	return JointSolution{Angles: make([]float64, JointCount)}, nil
}

func newLivePipeline(t *testing.T, s *stubSolver, cfg OrchestratorConfig) (*Orchestrator, *recordingChannel) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	session := readySession(t, s)
	ch := &recordingChannel{}
	pub := newTestPublisher(t, ch)
	return NewOrchestrator(session, NewCommandEncoder(DefaultAddress, Radians), pub, cfg, logger), ch
}

func TestRunSinglePose(t *testing.T) {
	s := newStubSolver(t)
	orch, ch := newLivePipeline(t, s, OrchestratorConfig{})

	report, err := orch.Run(context.Background(), NewPoseList(NewPose(0.3, 0.5, 1.0)))
	require.NoError(t, err)
	assert.Equal(t, Report{Poses: 1, Published: 1}, report)

	_, _, poses, headers := s.stats()
	require.Len(t, poses, 1)
	assert.InDelta(t, 0.5, poses[0].Position().Y, 1e-6)
	assert.InDelta(t, 1.0, poses[0].Position().Z, 1e-6)
	assert.Equal(t, []byte{0x0C}, headers)

	require.Len(t, ch.payloads, 2)
	assert.Equal(t, `{"seq":4,"address":1,"funcode":5,"data":{"mode":0}}`, ch.payloads[0])
	assert.Equal(t, `{"seq":5,"address":1,"funcode":2,"data":{"mode":1,"angle0":0,"angle1":0,"angle2":0,"angle3":0,"angle4":0,"angle5":0,"angle6":0}}`, ch.payloads[1])
}

func TestRunEnablesBeforeMotion(t *testing.T) {
	s := newStubSolver(t)
	orch, ch := newLivePipeline(t, s, OrchestratorConfig{})

	_, err := orch.Run(context.Background(), NewPoseList(NewPose(0.3, 0.1, 0.6), NewPose(0.2, 0.1, 0.6)))
	require.NoError(t, err)
	_, err = orch.Run(context.Background(), NewPoseList(NewPose(0.3, 0.1, 0.5)))
	require.NoError(t, err)

	msgs := ch.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, float64(FuncEnable), msgs[0]["funcode"])
	for i, m := range msgs[1:] {
		assert.Equal(t, float64(FuncSetAngles), m["funcode"])
		assert.Equal(t, float64(5+i), m["seq"])
	}
}

func TestRunRecoversFromShortReply(t *testing.T) {
	s := newStubSolver(t)
	s.setReply(func(p Pose) []byte {
		if p.Position().X == 1 {
			return make([]byte, 24)
		}
		return zeroAngles(p)
	})
	orch, ch := newLivePipeline(t, s, OrchestratorConfig{})

	report, err := orch.Run(context.Background(), NewPoseList(NewPose(1, 0, 0), NewPose(0.3, 0.1, 0.6)))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Poses)
	assert.Equal(t, 1, report.SolveFailures)
	assert.Equal(t, 1, report.Published)

	msgs := ch.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(5), msgs[1]["seq"])
}

func TestRunSkipsMalformedLines(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true}
	ch := &recordingChannel{}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{}, logging.NewTestLogger(t))

	script := "0.3 0.1 0.6\n0.3 0.1\n0.2 0.1 0.6\n"
	report, err := orch.Run(context.Background(), NewScriptReader(strings.NewReader(script)))
	require.NoError(t, err)
	assert.Equal(t, Report{Poses: 2, ParseErrors: 1, Published: 2}, report)
	assert.Equal(t, 2, solver.solves)
	assert.Len(t, ch.payloads, 3)
}

func TestRunCountsPublishFailures(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true}
	ch := &recordingChannel{failAt: map[int]error{2: errors.New("bus busy")}}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{}, logging.NewTestLogger(t))

	report, err := orch.Run(context.Background(), NewPoseList(NewPose(1, 2, 3), NewPose(1, 2, 4)))
	require.NoError(t, err)
	assert.Equal(t, 1, report.PublishFailures)
	assert.Equal(t, 1, report.Published)
}

func TestRunEnableFailureIsFatal(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true}
	ch := &recordingChannel{failAt: map[int]error{1: errors.New("bus down")}}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{}, logging.NewTestLogger(t))

	_, err := orch.Run(context.Background(), NewPoseList(NewPose(1, 2, 3)))
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, 0, solver.solves)
}

func TestEnsureReadyReconnectsFaultedSolver(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true, results: []error{&SolveError{Kind: SolveTransport, Err: errors.New("reset")}}}
	ch := &recordingChannel{}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{}, logging.NewTestLogger(t))

	report, err := orch.Run(context.Background(), NewPoseList(NewPose(1, 2, 3), NewPose(1, 2, 4)))
	require.NoError(t, err)
	assert.Equal(t, 1, report.SolveFailures)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 1, solver.reconnects)
	assert.Equal(t, 1, solver.pings)
}

func TestSolverNeverReadySkipsPose(t *testing.T) {
	solver := &fakeSolver{state: StateConnected}
	ch := &recordingChannel{}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{}, logging.NewTestLogger(t))

	_, err := orch.MoveTo(context.Background(), NewPose(1, 2, 3))
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Equal(t, 0, solver.solves)
	assert.Equal(t, 0, solver.reconnects)
}

func TestRunPacesBetweenMotions(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true}
	ch := &recordingChannel{}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{Pace: 40 * time.Millisecond}, logging.NewTestLogger(t))

	start := time.Now()
	_, err := orch.Run(context.Background(), NewPoseList(NewPose(1, 2, 3), NewPose(1, 2, 4), NewPose(1, 2, 5)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRunStopsOnCancelDuringPace(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true}
	ch := &recordingChannel{}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{Pace: time.Minute}, logging.NewTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := orch.Run(ctx, NewPoseList(NewPose(1, 2, 3), NewPose(1, 2, 4)))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, report.Published)
}

func TestMoveToWithGripper(t *testing.T) {
	solver := &fakeSolver{state: StateReady, ready: true}
	ch := &recordingChannel{}
	orch := NewOrchestrator(solver, NewCommandEncoder(DefaultAddress, Radians), newTestPublisher(t, ch), OrchestratorConfig{}, logging.NewTestLogger(t))

	g := 0.04
	msg, err := orch.MoveToWithGripper(context.Background(), NewPose(1, 2, 3), &g)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), msg.Seq)
	assert.Equal(t, 0.04, msg.Angles[GripperJoint])

	msgs := ch.messages(t)
	require.Len(t, msgs, 2)
	data := msgs[1]["data"].(map[string]interface{})
	assert.Equal(t, 0.04, data["angle6"])
}
