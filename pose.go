package d1_arm

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// Pose is a target end-effector pose. The orientation, when present, is kept
// in the order it was received and is forwarded to the solver unchanged.
type Pose struct {
	position       r3.Vector
	orientation    [4]float64
	hasOrientation bool
}

// NewPose builds a position-only pose.
func NewPose(x, y, z float64) Pose {
	return Pose{position: r3.Vector{X: x, Y: y, Z: z}}
}

// NewPoseWithOrientation builds a pose carrying a 4-element orientation.
func NewPoseWithOrientation(x, y, z float64, orientation [4]float64) Pose {
	return Pose{
		position:       r3.Vector{X: x, Y: y, Z: z},
		orientation:    orientation,
		hasOrientation: true,
	}
}

// Position returns the target position.
func (p Pose) Position() r3.Vector {
	return p.position
}

// Orientation returns the orientation and whether one was supplied.
func (p Pose) Orientation() ([4]float64, bool) {
	return p.orientation, p.hasOrientation
}

// SpatialPose converts the pose to an rdk pose, reading the orientation as a
// (w, x, y, z) quaternion.
func (p Pose) SpatialPose() spatialmath.Pose {
	if !p.hasOrientation {
		return spatialmath.NewPoseFromPoint(p.position)
	}
	o := p.orientation
	return spatialmath.NewPose(p.position, &spatialmath.Quaternion{Real: o[0], Imag: o[1], Jmag: o[2], Kmag: o[3]})
}

func (p Pose) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(formatDecimal(p.position.X))
	sb.WriteString(", ")
	sb.WriteString(formatDecimal(p.position.Y))
	sb.WriteString(", ")
	sb.WriteString(formatDecimal(p.position.Z))
	sb.WriteString(")")
	if p.hasOrientation {
		sb.WriteString(" [")
		for i, v := range p.orientation {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(formatDecimal(v))
		}
		sb.WriteString("]")
	}
	return sb.String()
}

var errPoseFieldCount = errors.New("expected 3 position values, optionally followed by 4 orientation values")

// PoseFromFloats builds a pose from 3 or 7 values.
func PoseFromFloats(values []float64) (Pose, error) {
	switch len(values) {
	case 3:
		return NewPose(values[0], values[1], values[2]), nil
	case 7:
		return NewPoseWithOrientation(values[0], values[1], values[2],
			[4]float64{values[3], values[4], values[5], values[6]}), nil
	default:
		return Pose{}, errors.Wrapf(errPoseFieldCount, "got %d", len(values))
	}
}

// ParsePoseLine parses one script line of whitespace separated floats.
func ParsePoseLine(line string) (Pose, error) {
	fields := strings.Fields(line)
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Pose{}, errors.Errorf("invalid number %q", f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, errors.Errorf("non-finite value %q", f)
		}
		values = append(values, v)
	}
	return PoseFromFloats(values)
}

// PoseSource yields target poses one at a time. Next returns io.EOF once the
// source is exhausted; a *ParseError reports a single bad entry and the caller
// may keep reading.
type PoseSource interface {
	Next() (Pose, error)
}

// maxScriptLine is the longest script line ScriptReader will parse. Longer
// lines are reported as a ParseError and skipped.
const maxScriptLine = 64 * 1024

// ScriptReader reads poses from a motion script. Blank lines and lines
// starting with '#' are ignored.
type ScriptReader struct {
	reader *bufio.Reader
	line   int
}

// NewScriptReader wraps r.
func NewScriptReader(r io.Reader) *ScriptReader {
	return &ScriptReader{reader: bufio.NewReader(r)}
}

// Line returns the number of the last line read.
func (s *ScriptReader) Line() int {
	return s.line
}

func (s *ScriptReader) Next() (Pose, error) {
	for {
		raw, tooLong, err := s.readLine()
		if errors.Is(err, io.EOF) {
			return Pose{}, io.EOF
		}
		if err != nil {
			return Pose{}, errors.Wrap(err, "reading script")
		}
		s.line++
		if tooLong {
			return Pose{}, &ParseError{
				Line: s.line,
				Text: raw[:min(len(raw), 32)] + "...",
				Err:  errors.Errorf("line longer than %d bytes", maxScriptLine),
			}
		}
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		pose, err := ParsePoseLine(text)
		if err != nil {
			return Pose{}, &ParseError{Line: s.line, Text: text, Err: err}
		}
		return pose, nil
	}
}

// readLine returns the next line without its terminator. Past maxScriptLine
// the rest of the line is discarded and tooLong is set.
func (s *ScriptReader) readLine() (string, bool, error) {
	var buf []byte
	tooLong := false
	for {
		frag, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return "", false, err
		}
		if len(buf)+len(frag) > maxScriptLine {
			tooLong = true
		} else {
			buf = append(buf, frag...)
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

// PoseList is a PoseSource over a fixed slice of poses.
type PoseList struct {
	poses []Pose
	next  int
}

func NewPoseList(poses ...Pose) *PoseList {
	return &PoseList{poses: poses}
}

func (l *PoseList) Next() (Pose, error) {
	if l.next >= len(l.poses) {
		return Pose{}, io.EOF
	}
	p := l.poses[l.next]
	l.next++
	return p, nil
}
