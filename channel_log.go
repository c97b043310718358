package d1_arm

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Channel backends selectable from config.
const (
	ChannelLog    = "log"
	ChannelSerial = "serial"
)

// LogChannel prints every frame instead of sending it. Used for dry runs.
type LogChannel struct {
	logger logging.Logger
}

func NewLogChannel(logger logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Write(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Infow("bus frame", "topic", topic, "payload", string(payload))
	return nil
}

func (c *LogChannel) Close() error {
	return nil
}

// ChannelOpenerFor returns the opener for the backend named in cfg.
func ChannelOpenerFor(cfg *Config, logger logging.Logger) (ChannelOpener, error) {
	switch cfg.Channel {
	case "", ChannelLog:
		return func(context.Context) (Channel, error) {
			return NewLogChannel(logger), nil
		}, nil
	case ChannelSerial:
		port, baud := cfg.SerialPort, cfg.SerialBaud
		return func(context.Context) (Channel, error) {
			ch, err := OpenSerialChannel(port, baud, logger)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}, nil
	default:
		return nil, errors.Errorf("unknown channel %q", cfg.Channel)
	}
}
