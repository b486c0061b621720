package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Publisher delivers a batch of confirmations belonging to one session.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, items []Confirmation) error
}

// Batch is the wire payload. Receivers deduplicate on each item's LocalID.
type Batch struct {
	SessionID string      `json:"sessionId"`
	Source    string      `json:"source"`
	SentAt    time.Time   `json:"sentAt"`
	Items     []BatchItem `json:"items"`
}

type BatchItem struct {
	LocalID     string    `json:"localId"`
	StudentID   string    `json:"studentId"`
	Confidence  float64   `json:"confidence"`
	DetectedAt  time.Time `json:"detectedAt"`
	ConfirmedAt time.Time `json:"confirmedAt"`
	Origin      Origin    `json:"origin"`
}

func NewBatch(sessionID string, items []Confirmation, sentAt time.Time) Batch {
	b := Batch{SessionID: sessionID, Source: Source, SentAt: sentAt, Items: make([]BatchItem, 0, len(items))}
	for _, c := range items {
		b.Items = append(b.Items, BatchItem{
			LocalID:     c.LocalID,
			StudentID:   c.StudentID,
			Confidence:  c.Confidence,
			DetectedAt:  c.DetectedAt,
			ConfirmedAt: c.ConfirmedAt,
			Origin:      c.Origin,
		})
	}
	return b
}

// Topic is where the batches of a session are published.
func Topic(prefix, sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/attendance", strings.TrimRight(prefix, "/"), sessionID)
}

type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Timeout     time.Duration
}

// MQTTPublisher publishes batches with QoS 1 so the broker acknowledges every batch.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

var ErrPublishTimeout = errors.New("timed out waiting for broker acknowledgement")

func NewMQTTPublisher(o MQTTOptions, log *slog.Logger) (*MQTTPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mqtt")
	if o.ClientID == "" {
		o.ClientID = "rollcall-" + uuid.New().String()
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().AddBroker(o.Broker).SetClientID(o.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		log.Info("connected to broker", "broker", o.Broker, "client_id", o.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("lost broker connection", "err", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", o.Broker, token.Error())
	}
	return &MQTTPublisher{client: client, prefix: o.TopicPrefix, timeout: o.Timeout, log: log}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, sessionID string, items []Confirmation) error {
	payload, err := json.Marshal(NewBatch(sessionID, items, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	topic := Topic(p.prefix, sessionID)
	token := p.client.Publish(topic, 1, false, payload)

	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.log.Debug("published batch", "topic", topic, "items", len(items))
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
