// Package bus carries on-demand run requests over NATS.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

// RunRequest asks for an immediate run of one tenant's source.
type RunRequest struct {
	Tenant string            `json:"tenant"`
	Kind   models.SourceKind `json:"kind"`
	ID     int64             `json:"id"`
}

func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.Tenant) == "" {
		return fmt.Errorf("tenant is required")
	}
	switch r.Kind {
	case models.SourceMailbox, models.SourceMetric:
	default:
		return fmt.Errorf("unknown source kind %q", r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("id must be positive")
	}
	return nil
}

// DecodeRunRequest parses and validates a message payload.
func DecodeRunRequest(data []byte) (RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return RunRequest{}, fmt.Errorf("decode run request: %w", err)
	}
	req.Kind = models.SourceKind(strings.ToLower(string(req.Kind)))
	if err := req.Validate(); err != nil {
		return RunRequest{}, err
	}
	return req, nil
}

func connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
}

type Subscriber struct {
	Conn   *nats.Conn
	logger *zap.Logger
}

func NewSubscriber(url string, logger *zap.Logger) (*Subscriber, error) {
	logger = logger.Named("bus")
	conn, err := connect(url, "alertrelay", logger)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Subscriber{Conn: conn, logger: logger}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe delivers every valid run request on subject to handler.
// Malformed payloads are logged and dropped. When the message carries a
// reply subject, the handler's error (or "ok") is sent back.
func (s *Subscriber) Subscribe(subject string, handler func(RunRequest) error) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		req, err := DecodeRunRequest(msg.Data)
		if err == nil {
			err = handler(req)
		}
		if err != nil {
			s.logger.Warn("run request rejected", zap.String("subject", msg.Subject), zap.Error(err))
		}
		if msg.Reply != "" {
			reply := "ok"
			if err != nil {
				reply = err.Error()
			}
			if rerr := msg.Respond([]byte(reply)); rerr != nil {
				s.logger.Debug("failed to reply", zap.Error(rerr))
			}
		}
	})
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	conn, err := connect(url, "alertrelay-cli", logger.Named("bus"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, req RunRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := p.Conn.Publish(subject, data); err != nil {
		return err
	}
	return p.Conn.Flush()
}
