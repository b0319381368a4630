package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
)

// maxPayloadSize caps outbound payloads at 1 MiB.
const maxPayloadSize = 1 << 20

// Presence states published on the gateway status topic.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

// Subscribe registers handler for topic, which may contain wildcards such
// as "iot/devices/+/data". The subscription is restored after reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Track first so a reconnect racing with this call still restores it.
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.paho.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := waitToken(token, ErrSubscribeFailed); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish sends payload to topic and waits for the broker acknowledgement.
// It fails fast with ErrNotConnected instead of letting paho queue the
// message until the next session. Commands are never retained, or a
// device would replay them on every reconnect.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return waitToken(c.paho.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

func (c *Client) publishPresence(status, reason string) pahomqtt.Token {
	return c.paho.Publish(Topics{}.GatewayStatus(c.clientID), c.qos, true, presencePayload(c.clientID, status, reason))
}

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

func waitToken(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout after %v", kind, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

type presence struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// presencePayload renders the retained gateway status message.
func presencePayload(clientID, status, reason string) []byte {
	b, _ := json.Marshal(presence{ //nolint:errcheck // plain strings always marshal
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}
