// Package mqttclient embrulha o paho com a configuração e o log do cam-stream.
package mqttclient

import (
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sua-org/cam-stream/internal/config"
)

var ErrPublishTimeout = errors.New("mqtt publish timeout")

type Client struct {
	client         mqtt.Client
	log            zerolog.Logger
	publishTimeout time.Duration
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// WillTopic/WillPayload publicam (retido) quando a conexão cai sem Close.
	WillTopic   string
	WillPayload []byte

	PublishTimeout time.Duration
}

// ConfigFromEnv lê MQTT_HOST, MQTT_PORT, MQTT_USERNAME, MQTT_PASSWORD e
// MQTT_CLIENT_ID.
func ConfigFromEnv(defaultClientID string) Config {
	return Config{
		Host:     config.GetEnv("MQTT_HOST", "localhost"),
		Port:     config.GetEnvInt("MQTT_PORT", 1883, nil),
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
		ClientID: config.GetEnv("MQTT_CLIENT_ID", defaultClientID),
	}
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &Client{client: cli, log: log, publishTimeout: cfg.PublishTimeout}, nil
}

// Publish espera a confirmação até PublishTimeout; quem publica na trilha de
// eventos nunca fica preso num broker lento.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
