package alarms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultNATSSubjectPrefix is where the fault manager listens
const DefaultNATSSubjectPrefix = "fm.alarms"

// requester is the part of *nats.Conn the manager uses
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type natsRequest struct {
	Alarm            *Alarm `json:"alarm,omitempty"`
	AlarmID          ID     `json:"alarm_id,omitempty"`
	EntityInstanceID string `json:"entity_instance_id,omitempty"`
}

type natsResponse struct {
	UUID     string  `json:"uuid,omitempty"`
	Alarms   []Alarm `json:"alarms,omitempty"`
	Error    string  `json:"error,omitempty"`
	NotFound bool    `json:"not_found,omitempty"`
}

// NATSManager talks to a fault manager over NATS request-reply on
// <prefix>.raise, <prefix>.clear and <prefix>.list.
type NATSManager struct {
	conn    requester
	closer  func()
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSManager connects to url and returns a manager using subjectPrefix.
// Each request is bounded by timeout when it is positive.
func NewNATSManager(url, subjectPrefix string, timeout time.Duration, logger *zap.Logger) (*NATSManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("io-monitor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	m := newNATSManager(nc, subjectPrefix, logger)
	m.closer = nc.Close
	m.timeout = timeout
	return m, nil
}

func newNATSManager(conn requester, prefix string, logger *zap.Logger) *NATSManager {
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSManager{
		conn:   conn,
		prefix: prefix,
		logger: logger.Named("alarms.nats"),
	}
}

// Raise implements Manager
func (m *NATSManager) Raise(ctx context.Context, alarm Alarm) (string, error) {
	resp, err := m.request(ctx, "raise", natsRequest{Alarm: &alarm})
	if err != nil {
		return "", err
	}
	if resp.UUID == "" {
		return "", fmt.Errorf("raise %s: %w", alarm.ID, ErrRejected)
	}
	return resp.UUID, nil
}

// Clear implements Manager
func (m *NATSManager) Clear(ctx context.Context, id ID, entityInstanceID string) error {
	resp, err := m.request(ctx, "clear", natsRequest{AlarmID: id, EntityInstanceID: entityInstanceID})
	if err != nil {
		return err
	}
	if resp.NotFound {
		return fmt.Errorf("clear %s for %s: %w", id, entityInstanceID, ErrNotFound)
	}
	return nil
}

// List implements Manager
func (m *NATSManager) List(ctx context.Context, id ID) ([]Alarm, error) {
	resp, err := m.request(ctx, "list", natsRequest{AlarmID: id})
	if err != nil {
		return nil, err
	}
	return resp.Alarms, nil
}

// Close drains nothing and closes the connection
func (m *NATSManager) Close() error {
	if m.closer != nil {
		m.closer()
	}
	return nil
}

func (m *NATSManager) request(ctx context.Context, op string, req natsRequest) (*natsResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	subject := m.prefix + "." + op
	msg, err := m.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	var resp natsResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", subject, resp.Error)
	}

	m.logger.Debug("Fault manager replied", zap.String("subject", subject))
	return &resp, nil
}
