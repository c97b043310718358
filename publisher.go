package d1_arm

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DefaultTopic is the bus topic the arm controller listens on.
const DefaultTopic = "rt/arm_Command"

// DefaultPublishTimeout bounds a single bus write.
const DefaultPublishTimeout = 2 * time.Second

// Channel is a publish handle on the arm bus.
type Channel interface {
	Write(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// ChannelOpener opens the bus channel. It is called once per publisher.
type ChannelOpener func(ctx context.Context) (Channel, error)

// ArmPublisher owns the bus channel and sends encoded control messages.
// Initialize must succeed once before Send; a second Initialize is rejected
// with ErrAlreadyInitialized.
type ArmPublisher struct {
	open    ChannelOpener
	topic   string
	codec   Codec
	timeout time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	ch      Channel
	started bool
}

// NewArmPublisher returns an uninitialized publisher.
func NewArmPublisher(open ChannelOpener, topic string, codec Codec, timeout time.Duration, logger logging.Logger) *ArmPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &ArmPublisher{
		open:    open,
		topic:   topic,
		codec:   codec,
		timeout: timeout,
		logger:  logger,
	}
}

// Topic returns the topic messages are published on.
func (p *ArmPublisher) Topic() string {
	return p.topic
}

// Initialize opens the channel.
func (p *ArmPublisher) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyInitialized
	}
	ch, err := p.open(ctx)
	if err != nil {
		return &InitError{Err: err}
	}
	p.ch = ch
	p.started = true
	p.logger.Infow("arm publisher initialized", "topic", p.topic)
	return nil
}

// Send encodes msg and writes it to the bus exactly once. There is no retry.
func (p *ArmPublisher) Send(ctx context.Context, msg ControlMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.Wrapf(ErrNotInitialized, "send seq %d", msg.Seq)
	}

	payload, err := p.codec.EncodeCommandJSON(msg)
	if err != nil {
		return &PublishError{Seq: msg.Seq, Err: err}
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.ch.Write(writeCtx, p.topic, []byte(payload)); err != nil {
		return &PublishError{Seq: msg.Seq, Err: err}
	}
	p.logger.Debugw("published", "topic", p.topic, "seq", msg.Seq, "funcode", msg.FunctionCode.String(), "payload", payload)
	return nil
}

// Close releases the channel. Sends after Close fail with ErrNotInitialized.
func (p *ArmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

// writeWithContext runs a blocking write and gives up when ctx ends. The
// write itself may still complete in the background.
func writeWithContext(ctx context.Context, write func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- write()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "write timed out")
	}
}
