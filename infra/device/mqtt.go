package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	coredevice "github.com/marcpuig/plugsched/core/device"
	"github.com/marcpuig/plugsched/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT controller.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	AckTopic   string          `json:"ack_topic"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	QoS        map[string]byte `json:"qos"`
	TLSConfig  *tls.Config     `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type ackResult struct {
	ok     bool
	reason string
}

// PahoController switches smart plugs over MQTT. A power command is published
// to the plug's command topic and the call succeeds once the plug acknowledges
// the command ID on the shared ack topic.
type PahoController struct {
	cli      pahoClient
	ackTopic string
	qos      map[string]byte

	mu       sync.Mutex
	ackChans map[string]chan ackResult
	logger   logger.Logger
}

// NewPahoController connects to the MQTT broker and subscribes to the ack
// topic.
func NewPahoController(cfg Config) (*PahoController, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_device")
	pc := &PahoController{
		ackTopic: cfg.AckTopic,
		ackChans: make(map[string]chan ackResult),
		logger:   log,
		qos:      cfg.QoS,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := pc.qos["ack"]; ok {
			qos = q
		}
		if token := c.Subscribe(pc.ackTopic, qos, pc.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (p *PahoController) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		CommandID string `json:"command_id"`
		OK        bool   `json:"ok"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	p.mu.Lock()
	ch, ok := p.ackChans[m.CommandID]
	if ok {
		select {
		case ch <- ackResult{ok: m.OK, reason: m.Error}:
		default:
		}
	}
	p.mu.Unlock()
}

// SetPower publishes a power command and waits for the plug's acknowledgment.
// An unreachable broker or a missing ack within the context deadline yields
// ErrUnreachable; a negative ack yields ErrRejected.
func (p *PahoController) SetPower(ctx context.Context, deviceID string, on bool) error {
	cmdID := uuid.NewString()
	cmd := struct {
		CommandID string `json:"command_id"`
		DeviceID  string `json:"device_id"`
		On        bool   `json:"on"`
		Timestamp int64  `json:"timestamp"`
	}{
		CommandID: cmdID,
		DeviceID:  deviceID,
		On:        on,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	// Register before publishing so a fast ack cannot be lost.
	ch := make(chan ackResult, 1)
	p.mu.Lock()
	p.ackChans[cmdID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.ackChans, cmdID)
		p.mu.Unlock()
	}()

	topic := fmt.Sprintf("plug/%s/command", deviceID)
	qos := byte(1)
	if q, ok := p.qos["command"]; ok {
		qos = q
	}
	token := p.cli.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", coredevice.ErrUnreachable, topic, err)
	}
	p.logger.Debugf("sent command %s to %s (on=%t)", cmdID, topic, on)

	select {
	case res := <-ch:
		if !res.ok {
			if res.reason == "" {
				res.reason = "command rejected"
			}
			return fmt.Errorf("%w: %s", coredevice.ErrRejected, res.reason)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: no ack for command %s", coredevice.ErrUnreachable, cmdID)
	}
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoController) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
