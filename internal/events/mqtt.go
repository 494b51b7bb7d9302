package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

// MQTTConfig points the sink at a broker. Events land on
// <TopicPrefix>/<event type> as JSON.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
}

func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: empty broker address")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "tryon/events"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("tryon-gateway-%d", time.Now().UnixNano())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &MQTTSink{cfg: cfg}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		logx.Log.Info().Str("broker", broker).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logx.Log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, will auto-reconnect")
	}
	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	s.setConnected(true)
	return s, nil
}

// Topic returns the topic an event of kind is published on.
func (s *MQTTSink) Topic(kind string) string {
	return topicFor(s.cfg.TopicPrefix, kind)
}

func topicFor(prefix, kind string) string {
	return strings.TrimRight(prefix, "/") + "/" + kind
}

func (s *MQTTSink) Publish(ev Event) error {
	if !s.isConnected() {
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(ev.Type), s.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return errors.New("mqtt publish timeout")
	}
	return token.Error()
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	s.setConnected(false)
	return nil
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
