// Package publish mirrors completed check-ins to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"noisemap/checkin"
	"noisemap/log"
)

const DefaultTopic = "noisemap/checkins"

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// Message is the JSON payload published for each check-in.
type Message struct {
	ID          string    `json:"id"`
	Detected    bool      `json:"detected"`
	RMS         float64   `json:"rms"`
	Peak        float64   `json:"peak"`
	DurationSec float64   `json:"duration_sec"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	StressScore float64   `json:"stress_score"`
	Submitted   bool      `json:"submitted"`
	Warnings    []string  `json:"warnings,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewMessage(o checkin.Outcome, now time.Time) Message {
	m := Message{
		ID:          o.Result.ID.String(),
		Detected:    o.Result.Detected,
		RMS:         o.Result.RMS,
		Peak:        o.Result.Peak,
		DurationSec: o.Result.DurationSec,
		StressScore: o.StressScore,
		Submitted:   o.Submitted,
		Timestamp:   now.UTC(),
	}
	if o.Point != nil {
		lat, lng := o.Point.Lat, o.Point.Lng
		m.Latitude, m.Longitude = &lat, &lng
		m.Timestamp = o.Point.CreatedAt.UTC()
	}
	for _, w := range o.Warnings {
		m.Warnings = append(m.Warnings, string(w))
	}
	return m
}

// tokenPublisher is the part of mqtt.Client the publisher needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTT struct {
	client mqtt.Client
	pub    tokenPublisher
	topic  string
}

// Connect dials the broker and returns a ready publisher.
func Connect(cfg Config) (*MQTT, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "noisemap"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOnConnectHandler(connectHandler)
	opts.SetConnectionLostHandler(connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Infof("mqtt: connected to %s", cfg.Broker)

	return newMQTT(client, client, cfg.Topic), nil
}

func newMQTT(client mqtt.Client, pub tokenPublisher, topic string) *MQTT {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTT{client: client, pub: pub, topic: topic}
}

func (p *MQTT) PublishCheckIn(ctx context.Context, o checkin.Outcome) error {
	payload, err := json.Marshal(NewMessage(o, time.Now()))
	if err != nil {
		return err
	}
	token := p.pub.Publish(p.topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt publish to %s timed out", p.topic)
	}
}

func (p *MQTT) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
		log.Info("mqtt: disconnected")
	}
}

var connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
	log.Info("mqtt: connection established")
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	log.Warnf("mqtt: connection lost: %v", err)
}
