package reg

import (
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultClientID    = "simplereg"
	mqttConnectTimeout = 10 * time.Second
)

// ResolveMQTTConfig applies the MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME,
// MQTT_PASSWORD and MQTT_PUBLISH_PREFIX environment overrides.
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	override(&cfg.Broker, "MQTT_BROKER")
	override(&cfg.ClientID, "MQTT_CLIENT_ID")
	override(&cfg.Username, "MQTT_USERNAME")
	override(&cfg.Password, "MQTT_PASSWORD")
	override(&cfg.Prefix, "MQTT_PUBLISH_PREFIX")

	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPublishPrefix
	}
	return cfg
}

// NewMQTTClient builds an unconnected paho client. It returns nil when no
// broker is configured, which disables MQTT.
func NewMQTTClient(cfg MQTTConfig) mqtt.Client {
	cfg = ResolveMQTTConfig(cfg)
	if cfg.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	})

	return mqtt.NewClient(opts)
}

// ConnectMQTT builds a client from cfg and connects it. A nil client and nil
// error mean MQTT is disabled.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	client := NewMQTTClient(cfg)
	if client == nil {
		return nil, nil
	}
	if err := connect(client, mqttConnectTimeout); err != nil {
		return nil, err
	}
	return client, nil
}

func connect(client mqtt.Client, timeout time.Duration) error {
	log.Println("Connecting to MQTT broker...")
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("MQTT connection timeout after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	log.Println("Successfully connected to MQTT broker")
	return nil
}
