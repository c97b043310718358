package d1_arm

import (
	"sync/atomic"

	"github.com/pkg/errors"
	rutils "go.viam.com/rdk/utils"
)

// JointCount is the number of values in a joint solution: six arm joints plus the gripper.
const JointCount = 7

// GripperJoint is the index of the gripper value in a joint solution.
const GripperJoint = JointCount - 1

// InitialSequence is the first sequence number an encoder hands out.
const InitialSequence uint64 = 4

// DefaultAddress is the bus address of the arm controller.
const DefaultAddress uint = 1

// FunctionCode selects the operation of a control message.
type FunctionCode uint

const (
	FuncSetAngles FunctionCode = 2
	FuncEnable    FunctionCode = 5
)

func (f FunctionCode) String() string {
	switch f {
	case FuncSetAngles:
		return "set_angles"
	case FuncEnable:
		return "enable"
	default:
		return "unknown"
	}
}

// Control modes carried in the message payload.
const (
	modeEnable    = 0
	modeSetAngles = 1
)

// JointSolution is an IK result, one angle per joint in joint order.
type JointSolution struct {
	Angles []float64
}

// ControlMessage is one command for the arm controller.
type ControlMessage struct {
	Seq          uint64
	Address      uint
	FunctionCode FunctionCode
	Mode         int
	// Angles is only meaningful for FuncSetAngles.
	Angles [JointCount]float64
}

// AngleUnits tells the encoder which unit the arm expects joint angles in.
type AngleUnits string

const (
	// Radians passes solver output through unchanged.
	Radians AngleUnits = "radians"
	// Degrees converts solver radians to degrees.
	Degrees AngleUnits = "degrees"
)

// CommandEncoder builds sequenced control messages for a single arm session.
// The controller ignores motion commands until control is enabled, so
// EnableControl must be sent before the first SetAllJointAngles; ordering is
// left to the caller.
type CommandEncoder struct {
	address uint
	units   AngleUnits
	next    atomic.Uint64
}

// NewCommandEncoder returns an encoder addressing the given device.
func NewCommandEncoder(address uint, units AngleUnits) *CommandEncoder {
	if units == "" {
		units = Radians
	}
	e := &CommandEncoder{address: address, units: units}
	e.next.Store(InitialSequence)
	return e
}

// NextSequence returns the sequence number the next message will get.
func (e *CommandEncoder) NextSequence() uint64 {
	return e.next.Load()
}

func (e *CommandEncoder) take() uint64 {
	return e.next.Add(1) - 1
}

// EnableControl builds the enable-control command.
func (e *CommandEncoder) EnableControl() ControlMessage {
	return ControlMessage{
		Seq:          e.take(),
		Address:      e.address,
		FunctionCode: FuncEnable,
		Mode:         modeEnable,
	}
}

// SetAllJointAngles builds a joint angle command from an IK solution. When
// gripper is non-nil it replaces the solved seventh value. Values past
// JointCount are ignored.
func (e *CommandEncoder) SetAllJointAngles(solution JointSolution, gripper *float64) (ControlMessage, error) {
	if len(solution.Angles) < JointCount {
		return ControlMessage{}, errors.Wrapf(ErrInsufficientJoints, "got %d angles, need %d", len(solution.Angles), JointCount)
	}

	var angles [JointCount]float64
	copy(angles[:], solution.Angles)
	if e.units == Degrees {
		for i := range angles {
			angles[i] = rutils.RadToDeg(angles[i])
		}
	}
	if gripper != nil {
		angles[GripperJoint] = *gripper
	}

	return ControlMessage{
		Seq:          e.take(),
		Address:      e.address,
		FunctionCode: FuncSetAngles,
		Mode:         modeSetAngles,
		Angles:       angles,
	}, nil
}
