package d1_arm

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Element widths supported on the solver link.
const (
	Float32Width = 4
	Float64Width = 8
)

const (
	positionElems    = 3
	orientationElems = 4
)

// Codec encodes the binary vectors exchanged with the IK solver and the JSON
// command payloads published to the arm bus. The zero value uses float32
// elements, which is what the solver speaks.
type Codec struct {
	Width int
}

// NewCodec returns a codec for the given element width (4 or 8).
func NewCodec(width int) (Codec, error) {
	switch width {
	case 0:
		return Codec{Width: Float32Width}, nil
	case Float32Width, Float64Width:
		return Codec{Width: width}, nil
	default:
		return Codec{}, errors.Errorf("unsupported element width %d, must be 4 or 8", width)
	}
}

// ElementWidth returns the size in bytes of one vector element.
func (c Codec) ElementWidth() int {
	if c.Width == Float64Width {
		return Float64Width
	}
	return Float32Width
}

// PoseSize returns the encoded size of a pose with or without orientation.
func (c Codec) PoseSize(withOrientation bool) int {
	n := positionElems
	if withOrientation {
		n += orientationElems
	}
	return n * c.ElementWidth()
}

// AnglesSize returns the size of a joint angle reply.
func (c Codec) AnglesSize() int {
	return JointCount * c.ElementWidth()
}

// EncodePose writes the position triple, followed by the orientation block
// when the pose has one. Little-endian, no padding, no length prefix.
func (c Codec) EncodePose(p Pose) []byte {
	pos := p.Position()
	values := []float64{pos.X, pos.Y, pos.Z}
	if o, ok := p.Orientation(); ok {
		values = append(values, o[:]...)
	}
	return c.putFloats(values)
}

// DecodePose is the solver side of EncodePose.
func (c Codec) DecodePose(b []byte) (Pose, error) {
	w := c.ElementWidth()
	if len(b) != c.PoseSize(false) && len(b) != c.PoseSize(true) {
		return Pose{}, errors.Wrapf(ErrMalformedResponse, "pose frame is %d bytes, want %d or %d",
			len(b), c.PoseSize(false), c.PoseSize(true))
	}
	return PoseFromFloats(c.getFloats(b, len(b)/w))
}

// DecodeJointAngles decodes a solver reply of exactly JointCount elements.
func (c Codec) DecodeJointAngles(b []byte) (JointSolution, error) {
	if len(b) != c.AnglesSize() {
		return JointSolution{}, errors.Wrapf(ErrMalformedResponse, "joint reply is %d bytes, want %d", len(b), c.AnglesSize())
	}
	return JointSolution{Angles: c.getFloats(b, JointCount)}, nil
}

// EncodeJointAngles is the solver side of DecodeJointAngles.
func (c Codec) EncodeJointAngles(s JointSolution) []byte {
	return c.putFloats(s.Angles)
}

func (c Codec) putFloats(values []float64) []byte {
	w := c.ElementWidth()
	buf := make([]byte, len(values)*w)
	for i, v := range values {
		if w == Float64Width {
			binary.LittleEndian.PutUint64(buf[i*w:], math.Float64bits(v))
		} else {
			binary.LittleEndian.PutUint32(buf[i*w:], math.Float32bits(float32(v)))
		}
	}
	return buf
}

func (c Codec) getFloats(b []byte, n int) []float64 {
	w := c.ElementWidth()
	out := make([]float64, n)
	for i := range out {
		if w == Float64Width {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*w:]))
		} else {
			out[i] = widenFloat32(math.Float32frombits(binary.LittleEndian.Uint32(b[i*w:])))
		}
	}
	return out
}

// widenFloat32 goes through the shortest decimal form so 0.3f becomes 0.3
// and not 0.30000001192092896.
func widenFloat32(f float32) float64 {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return float64(f)
	}
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return v
}

// decimal is a float that always marshals in plain positional notation.
type decimal float64

func (d decimal) MarshalJSON() ([]byte, error) {
	v := float64(d)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errors.Errorf("cannot encode %v as a command value", v)
	}
	return []byte(formatDecimal(v)), nil
}

func formatDecimal(v float64) string {
	if v == 0 {
		// drops the sign of -0
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type commandEnvelope struct {
	Seq     uint64       `json:"seq"`
	Address uint         `json:"address"`
	Funcode FunctionCode `json:"funcode"`
	Data    interface{}  `json:"data"`
}

type modeData struct {
	Mode int `json:"mode"`
}

type jointAnglesData struct {
	Mode   int     `json:"mode"`
	Angle0 decimal `json:"angle0"`
	Angle1 decimal `json:"angle1"`
	Angle2 decimal `json:"angle2"`
	Angle3 decimal `json:"angle3"`
	Angle4 decimal `json:"angle4"`
	Angle5 decimal `json:"angle5"`
	Angle6 decimal `json:"angle6"`
}

// EncodeCommandJSON renders a control message as the JSON string carried on the bus.
func (c Codec) EncodeCommandJSON(msg ControlMessage) (string, error) {
	env := commandEnvelope{
		Seq:     msg.Seq,
		Address: msg.Address,
		Funcode: msg.FunctionCode,
	}
	switch msg.FunctionCode {
	case FuncEnable:
		env.Data = modeData{Mode: msg.Mode}
	case FuncSetAngles:
		a := msg.Angles
		env.Data = jointAnglesData{
			Mode:   msg.Mode,
			Angle0: decimal(a[0]),
			Angle1: decimal(a[1]),
			Angle2: decimal(a[2]),
			Angle3: decimal(a[3]),
			Angle4: decimal(a[4]),
			Angle5: decimal(a[5]),
			Angle6: decimal(a[6]),
		}
	default:
		return "", errors.Errorf("unknown function code %d", msg.FunctionCode)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrapf(err, "encoding command seq %d", msg.Seq)
	}
	return string(data), nil
}
