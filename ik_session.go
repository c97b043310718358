package d1_arm

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// IKSessionState is the connection state of an IKSession.
type IKSessionState int

const (
	StateDisconnected IKSessionState = iota
	StateConnected
	StateReady
	StateFaulted
)

func (s IKSessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Every request frame starts with one byte holding the payload length, so a
// ping is the single byte 0x00 and a solve is 12 or 28 bytes of pose behind
// 0x0C or 0x1C (float32 elements). The ping reply is one status byte; the
// solve reply is exactly JointCount elements, after which the solver closes.
const (
	pingRequestLen byte = 0x00

	pingNotReady byte = 0x00
	pingReady    byte = 0x01
)

// Defaults for the solver link.
const (
	DefaultSolverHost  = "127.0.0.1"
	DefaultSolverPort  = 5555
	DefaultDialTimeout = 3 * time.Second
	DefaultIOTimeout   = 3 * time.Second

	DefaultReadyAttempts = 5
	DefaultReadyInterval = time.Second

	// trailingReadWindow bounds the wait for the solver to close after a reply.
	trailingReadWindow = 100 * time.Millisecond
)

// SessionConfig configures an IKSession.
type SessionConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	IOTimeout   time.Duration
	// PingOnReconnect re-checks readiness on the fresh socket opened after each
	// solve. When false the session is considered ready again as soon as the
	// new socket is up.
	PingOnReconnect bool
	Codec           Codec
}

func (c SessionConfig) addr() string {
	host := c.Host
	if host == "" {
		host = DefaultSolverHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultSolverPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IKSession is a client for the remote IK solver. The solver serves one solve
// per connection, so every successful Solve closes the socket and dials a new
// one for the next call. An IKSession owns its socket exclusively.
type IKSession struct {
	cfg    SessionConfig
	addr   string
	logger logging.Logger
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	mu    sync.Mutex
	conn  net.Conn
	state IKSessionState
}

// NewIKSession returns a disconnected session.
func NewIKSession(cfg SessionConfig, logger logging.Logger) *IKSession {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &IKSession{
		cfg:    cfg,
		addr:   cfg.addr(),
		logger: logger,
		dial:   d.DialContext,
		state:  StateDisconnected,
	}
}

// Addr returns the solver address.
func (s *IKSession) Addr() string {
	return s.addr
}

// State returns the current session state.
func (s *IKSession) State() IKSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *IKSession) setState(next IKSessionState) {
	if s.state != next {
		s.logger.Debugw("ik session state change", "addr", s.addr, "from", s.state.String(), "to", next.String())
	}
	s.state = next
}

// Connect opens the solver connection. It does nothing when the session is
// already connected or ready.
func (s *IKSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && (s.state == StateConnected || s.state == StateReady) {
		return nil
	}
	s.dropConnLocked()
	return s.dialLocked(ctx)
}

// Reconnect discards the current socket, whatever its state, and dials a new
// one. On success the session is Connected and must be pinged before solving.
func (s *IKSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConnLocked()
	return s.dialLocked(ctx)
}

func (s *IKSession) dialLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, "tcp", s.addr)
	if err != nil {
		return &ConnectError{Addr: s.addr, Err: err}
	}
	s.conn = conn
	s.setState(StateConnected)
	return nil
}

func (s *IKSession) dropConnLocked() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debugw("closing ik connection", "addr", s.addr, "error", err)
		}
		s.conn = nil
	}
}

func (s *IKSession) faultLocked(err error) {
	s.logger.Warnw("ik session faulted", "addr", s.addr, "error", err)
	s.dropConnLocked()
	s.setState(StateFaulted)
}

// Ping checks solver readiness. A well-formed "not ready" reply returns false
// with no error. Timeouts, resets and unreadable replies fault the session.
func (s *IKSession) Ping(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingLocked(ctx)
}

func (s *IKSession) pingLocked(ctx context.Context) (bool, error) {
	if s.conn == nil {
		return false, errors.Wrapf(ErrNotReady, "ping in state %s", s.state)
	}

	reply := make([]byte, 1)
	if _, err := s.exchangeLocked(ctx, []byte{pingRequestLen}, reply); err != nil {
		s.faultLocked(err)
		return false, errors.Wrap(err, "ping")
	}

	switch reply[0] {
	case pingReady:
		s.setState(StateReady)
		return true, nil
	case pingNotReady:
		s.setState(StateConnected)
		return false, nil
	default:
		err := errors.Wrapf(ErrMalformedResponse, "ping reply 0x%02x", reply[0])
		s.faultLocked(err)
		return false, err
	}
}

// AwaitReady pings until the solver reports ready, up to attempts times with
// interval between tries. Transport errors end the wait immediately.
func (s *IKSession) AwaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		ready, err := s.Ping(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		s.logger.Infow("ik solver not ready yet", "addr", s.addr, "attempt", i, "of", attempts)
		if i < attempts && !utils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
	}
	return errors.Wrapf(ErrNotReady, "solver at %s not ready after %d pings", s.addr, attempts)
}

// Solve sends the pose and waits for the joint angle reply. The session must
// be Ready. After a good reply the socket is replaced for the next call.
func (s *IKSession) Solve(ctx context.Context, pose Pose) (JointSolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady || s.conn == nil {
		return JointSolution{}, &SolveError{Kind: SolveNotReady, Err: errors.Wrapf(ErrNotReady, "state %s", s.state)}
	}

	payload := s.cfg.Codec.EncodePose(pose)
	req := make([]byte, 0, len(payload)+1)
	req = append(req, byte(len(payload)))
	req = append(req, payload...)

	reply := make([]byte, s.cfg.Codec.AnglesSize())
	n, err := s.exchangeLocked(ctx, req, reply)
	if err != nil {
		s.faultLocked(err)
		if isShortReply(err) || (n > 0 && !isContextErr(err)) {
			return JointSolution{}, &SolveError{
				Kind: SolveProtocol,
				Err:  errors.Wrapf(ErrMalformedResponse, "solver sent %d of %d bytes: %v", n, len(reply), err),
			}
		}
		return JointSolution{}, &SolveError{Kind: SolveTransport, Err: err}
	}

	if extra := s.trailingBytesLocked(); extra > 0 {
		err := errors.Wrapf(ErrMalformedResponse, "solver sent more than %d bytes", len(reply))
		s.faultLocked(err)
		return JointSolution{}, &SolveError{Kind: SolveProtocol, Err: err}
	}

	solution, err := s.cfg.Codec.DecodeJointAngles(reply)
	if err != nil {
		s.faultLocked(err)
		return JointSolution{}, &SolveError{Kind: SolveProtocol, Err: err}
	}

	s.cycleLocked(ctx)
	return solution, nil
}

// trailingBytesLocked reports how many bytes follow a complete joint reply.
// The solver closes right after replying, so this normally sees EOF at once.
func (s *IKSession) trailingBytesLocked() int {
	window := trailingReadWindow
	if s.cfg.IOTimeout < window {
		window = s.cfg.IOTimeout
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return 0
	}
	buf := make([]byte, 1)
	n, _ := s.conn.Read(buf)
	return n
}

// cycleLocked replaces the socket after a completed solve. Failures here do
// not fail the solve that just finished; they surface on the next call.
func (s *IKSession) cycleLocked(ctx context.Context) {
	s.dropConnLocked()
	s.setState(StateDisconnected)
	if err := s.dialLocked(ctx); err != nil {
		s.faultLocked(err)
		return
	}
	if !s.cfg.PingOnReconnect {
		s.setState(StateReady)
		return
	}
	ready, err := s.pingLocked(ctx)
	if err != nil {
		return
	}
	if !ready {
		s.logger.Warnw("ik solver not ready after reconnect", "addr", s.addr)
	}
}

// exchangeLocked writes req and fills reply, bounded by the I/O timeout and ctx.
func (s *IKSession) exchangeLocked(ctx context.Context, req, reply []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	conn := s.conn
	deadline := time.Now().Add(s.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, errors.Wrap(err, "setting deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(req); err != nil {
		return 0, s.ioErr(ctx, err, "write")
	}
	n, err := io.ReadFull(conn, reply)
	if err != nil {
		return n, s.ioErr(ctx, err, "read")
	}
	return n, nil
}

func (s *IKSession) ioErr(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrapf(ctxErr, "%s %s", op, s.addr)
	}
	// the socket deadline can fire just before ctx notices its own
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return errors.Wrapf(context.DeadlineExceeded, "%s %s", op, s.addr)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &shortReplyError{err: err}
	}
	return errors.Wrapf(err, "%s %s", op, s.addr)
}

// Close releases the socket. It is safe in any state.
func (s *IKSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.setState(StateDisconnected)
	return err
}

// shortReplyError marks a reply cut short by the peer closing the connection.
type shortReplyError struct {
	err error
}

func (e *shortReplyError) Error() string {
	return "short reply: " + e.err.Error()
}

func (e *shortReplyError) Unwrap() error {
	return e.err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isShortReply(err error) bool {
	var sr *shortReplyError
	return errors.As(err, &sr)
}
