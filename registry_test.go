package d1_arm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// fakePort records writes. Methods the channel never calls are left to the
// embedded nil interface. A non-nil block stalls Write until it is closed or
// the port is.
type fakePort struct {
	serial.Port

	block chan struct{}
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	writes []string
	closed int
}

func newFakePort() *fakePort {
	return &fakePort{done: make(chan struct{})}
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-p.done:
			return 0, errors.New("port closed")
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *fakePort) ResetOutputBuffer() error { return nil }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePort) recorded() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...), p.closed
}

type fakeOpener struct {
	opens int
	modes []*serial.Mode
	port  *fakePort
	err   error
}

func (o *fakeOpener) open(name string, mode *serial.Mode) (serial.Port, error) {
	o.opens++
	o.modes = append(o.modes, mode)
	if o.err != nil {
		return nil, o.err
	}
	return o.port, nil
}

func TestRegistryCreation(t *testing.T) {
	r := NewPortRegistry()
	require.NotNil(t, r)
	assert.NotNil(t, r.entries)
	_, open := r.Status("/dev/ttyUSB0")
	assert.False(t, open)
}

func TestRegistrySharesPort(t *testing.T) {
	logger := logging.NewTestLogger(t)
	opener := &fakeOpener{port: newFakePort()}
	r := newPortRegistry(opener.open)

	a, err := openSerialChannel(r, "/dev/ttyUSB0", 0, logger)
	require.NoError(t, err)
	b, err := openSerialChannel(r, "/dev/ttyUSB0", DefaultSerialBaud, logger)
	require.NoError(t, err)

	assert.Equal(t, 1, opener.opens)
	assert.Equal(t, DefaultSerialBaud, opener.modes[0].BaudRate)
	assert.Equal(t, 8, opener.modes[0].DataBits)
	refs, open := r.Status("/dev/ttyUSB0")
	assert.True(t, open)
	assert.Equal(t, 2, refs)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	refs, _ = r.Status("/dev/ttyUSB0")
	assert.Equal(t, 1, refs)
	assert.Equal(t, 0, opener.port.closed)

	require.NoError(t, b.Close())
	_, open = r.Status("/dev/ttyUSB0")
	assert.False(t, open)
	assert.Equal(t, 1, opener.port.closed)
}

func TestRegistryBaudConflict(t *testing.T) {
	logger := logging.NewTestLogger(t)
	opener := &fakeOpener{port: newFakePort()}
	r := newPortRegistry(opener.open)

	_, err := openSerialChannel(r, "/dev/ttyUSB0", 115200, logger)
	require.NoError(t, err)
	_, err = openSerialChannel(r, "/dev/ttyUSB0", 9600, logger)
	assert.ErrorContains(t, err, "conflict")
	refs, _ := r.Status("/dev/ttyUSB0")
	assert.Equal(t, 1, refs)
}

func TestRegistryOpenFailure(t *testing.T) {
	opener := &fakeOpener{err: errors.New("permission denied")}
	r := newPortRegistry(opener.open)
	_, err := openSerialChannel(r, "/dev/ttyUSB0", 0, logging.NewTestLogger(t))
	assert.ErrorContains(t, err, "permission denied")
	_, open := r.Status("/dev/ttyUSB0")
	assert.False(t, open)

	_, err = openSerialChannel(r, "", 0, logging.NewTestLogger(t))
	assert.Error(t, err)
}

func TestSerialChannelFrames(t *testing.T) {
	opener := &fakeOpener{port: newFakePort()}
	r := newPortRegistry(opener.open)
	ch, err := openSerialChannel(r, "/dev/ttyACM0", 0, logging.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, ch.Write(context.Background(), DefaultTopic, []byte(`{"seq":4}`)))
	assert.Equal(t, []string{"rt/arm_Command {\"seq\":4}\n"}, opener.port.writes)

	require.NoError(t, ch.Close())
	assert.Error(t, ch.Write(context.Background(), DefaultTopic, []byte(`{}`)))
}

func TestSerialStalledWriteFaultsPort(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	port := newFakePort()
	port.block = make(chan struct{})
	opener := &fakeOpener{port: port}
	r := newPortRegistry(opener.open)
	ch, err := openSerialChannel(r, "/dev/ttyUSB0", 0, logger)
	require.NoError(t, err)

	pub := NewArmPublisher(func(context.Context) (Channel, error) { return ch, nil }, DefaultTopic, Codec{}, 30*time.Millisecond, logger)
	require.NoError(t, pub.Initialize(ctx))
	enc := NewCommandEncoder(DefaultAddress, Radians)
	for i := 0; i < 3; i++ {
		err := pub.Send(ctx, enc.EnableControl())
		assert.True(t, errors.Is(err, ErrRejected))
	}

	close(port.block)
	time.Sleep(50 * time.Millisecond)
	writes, closed := port.recorded()
	assert.Empty(t, writes)
	assert.Equal(t, 1, closed)
	_, open := r.Status("/dev/ttyUSB0")
	assert.False(t, open)

	require.NoError(t, pub.Close())
	_, closed = port.recorded()
	assert.Equal(t, 1, closed)

	// a new channel gets a fresh handle
	fresh := newFakePort()
	opener.port = fresh
	again, err := openSerialChannel(r, "/dev/ttyUSB0", 0, logger)
	require.NoError(t, err)
	require.NoError(t, again.Write(ctx, DefaultTopic, []byte(`{"seq":7}`)))
	writes, _ = fresh.recorded()
	assert.Equal(t, []string{"rt/arm_Command {\"seq\":7}\n"}, writes)
}

func TestSerialExpiredFrameIsDropped(t *testing.T) {
	ctx := context.Background()
	opener := &fakeOpener{port: newFakePort()}
	r := newPortRegistry(opener.open)
	ch, err := openSerialChannel(r, "/dev/ttyUSB0", 0, logging.NewTestLogger(t))
	require.NoError(t, err)

	// another channel holds the port while this frame waits its turn
	ch.entry.writeMu.Lock()
	writeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, ch.Write(writeCtx, DefaultTopic, []byte(`{"seq":4}`)))
	ch.entry.writeMu.Unlock()

	time.Sleep(20 * time.Millisecond)
	writes, closed := opener.port.recorded()
	assert.Empty(t, writes)
	assert.Equal(t, 0, closed)

	require.NoError(t, ch.Write(ctx, DefaultTopic, []byte(`{"seq":5}`)))
	writes, _ = opener.port.recorded()
	assert.Equal(t, []string{"rt/arm_Command {\"seq\":5}\n"}, writes)
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel(logging.NewTestLogger(t))
	assert.NoError(t, ch.Write(context.Background(), DefaultTopic, []byte(`{"seq":4}`)))
	assert.NoError(t, ch.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, ch.Write(ctx, DefaultTopic, nil))
}

func TestChannelOpenerFor(t *testing.T) {
	logger := logging.NewTestLogger(t)
	open, err := ChannelOpenerFor(&Config{Channel: ChannelLog}, logger)
	require.NoError(t, err)
	ch, err := open(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &LogChannel{}, ch)

	_, err = ChannelOpenerFor(&Config{Channel: "dds"}, logger)
	assert.Error(t, err)
}
