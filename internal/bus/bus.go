package bus

import (
	"fmt"

	"github.com/starbooked/merlin/internal/domain"
)

// New creates an event bus from configuration. The community tier runs on
// in-process channels; the pro tier connects to NATS so the booking and
// notification services can participate.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
