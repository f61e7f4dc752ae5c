package probe

import (
	"log"

	"github.com/nats-io/nats.go"

	"flowscope/internal/config"
)

// FrameHandler processes one received raw frame. The slice is owned by the
// handler; NATS hands each message its own buffer.
type FrameHandler func(frame []byte)

// Subscriber receives raw frames from a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	subject string
}

// NewSubscriber connects to NATS and returns a frame subscriber.
func NewSubscriber(cfg config.ProbeConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject}, nil
}

// Start subscribes and forwards every received frame to handler.
func (s *Subscriber) Start(handler FrameHandler) error {
	_, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return err
	}
	log.Printf("Subscribed to '%s'. Waiting for frames...", s.subject)
	return nil
}

// Close drains the connection and returns only after in-flight handlers
// have finished. Callers rely on that ordering: the frame channel the
// handler feeds must not be closed while a delivery is still pending.
// Drain itself only initiates the process, so Close blocks on the closed
// callback; the drain timeout built into the connection bounds the wait.
func (s *Subscriber) Close() {
	if s.nc == nil {
		return
	}
	closed := make(chan struct{})
	s.nc.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return
	}
	<-closed
	log.Println("NATS connection drained and closed.")
}
