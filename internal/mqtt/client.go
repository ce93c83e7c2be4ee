// Package mqtt connects the recognition engine to the outside world: it
// consumes known-face enrollment events from the external API layer and
// publishes classification events.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/engine"
	"face-sentry-go/internal/identity"
)

// EnrollmentEvent is the payload on the enroll topic.
type EnrollmentEvent struct {
	Action    string    `json:"action"` // add, remove or reload
	PersonID  string    `json:"person_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Client is the MQTT bridge around the recognition engine.
type Client struct {
	config config.MQTTConfig
	engine *engine.Engine
	client mqtt.Client
}

// NewClient creates an MQTT client bound to the given engine.
func NewClient(cfg config.MQTTConfig, eng *engine.Engine) *Client {
	return &Client{
		config: cfg,
		engine: eng,
	}
}

// Start connects to the broker. A disabled client is a no-op.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()

	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	log.Info("MQTT client connected successfully")
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)

	log.Infof("Subscribing to MQTT topic: %s", c.config.EnrollTopic)
	if token := client.Subscribe(c.config.EnrollTopic, 1, c.onEnrollMessage); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to topic %s: %v", c.config.EnrollTopic, token.Error())
	} else {
		log.Infof("Successfully subscribed to topic: %s", c.config.EnrollTopic)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
}

// onEnrollMessage applies one enrollment event to the engine's gallery.
func (c *Client) onEnrollMessage(client mqtt.Client, msg mqtt.Message) {
	var event EnrollmentEvent
	if err := json.Unmarshal(msg.Payload(), &event); err != nil {
		log.Errorf("Failed to parse enrollment event: %v", err)
		return
	}

	personID := event.PersonID
	if personID == "" && event.Name != "" {
		personID = identity.PersonID(event.Name)
	}

	log.WithFields(log.Fields{
		"action": event.Action,
		"person": personID,
	}).Info("Received enrollment event")

	switch event.Action {
	case "add":
		if personID == "" || len(event.Embedding) == 0 {
			log.Warn("Ignoring add event without person id or embedding")
			return
		}
		if err := c.engine.AddKnownFace(personID, event.Name, event.Embedding); err != nil {
			log.Errorf("Failed to enroll %s: %v", personID, err)
		}
	case "remove":
		if personID == "" {
			log.Warn("Ignoring remove event without person id")
			return
		}
		if err := c.engine.RemoveKnownFace(personID); err != nil {
			log.Errorf("Failed to remove %s: %v", personID, err)
		}
	case "reload":
		if err := c.engine.ReloadGallery(); err != nil {
			log.Errorf("Failed to reload gallery: %v", err)
		}
	default:
		log.Warnf("Unknown enrollment action: %s", event.Action)
	}
}

// PublishEvent sends a classification event to the events topic. Implements
// the engine's Publisher interface; failures are logged, never propagated
// into the classification path.
func (c *Client) PublishEvent(ev engine.Event) {
	if !c.IsConnected() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("Failed to marshal classification event: %v", err)
		return
	}

	token := c.client.Publish(c.config.EventsTopic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		log.Errorf("Failed to publish to topic %s: %v", c.config.EventsTopic, token.Error())
		return
	}
	log.Debugf("Published classification event to topic: %s", c.config.EventsTopic)
}
