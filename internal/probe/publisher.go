// Package probe moves raw captured frames between hosts over NATS, so a
// capture probe can run next to the traffic while the monitor runs
// elsewhere. Frames travel as-is; the classifier parses them on the
// receiving side with its own bounds checks.
package probe

import (
	"log"

	"github.com/nats-io/nats.go"

	"flowscope/internal/config"
)

// Publisher publishes raw frames to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to NATS and returns a frame publisher.
func NewPublisher(cfg config.ProbeConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

// Publish ships one raw frame.
func (p *Publisher) Publish(frame []byte) error {
	return p.nc.Publish(p.subject, frame)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
