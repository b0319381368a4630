package broker

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/mqtt"
)

// Ack statuses reported by devices.
const (
	AckExecuted = "executed"
	AckFailed   = "failed"
)

// Ack is a device's acknowledgement of a command.
type Ack struct {
	DeviceID      string `json:"-"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

var errInvalidAck = errors.New("broker: invalid ack")

// SubscribeAcks subscribes to every device's ack topic and calls onAck for
// each valid acknowledgement.
func (a *Adapter) SubscribeAcks(onAck func(Ack)) error {
	topic := a.topics.AllDeviceAcks()
	err := a.client.Subscribe(topic, a.qos, func(topic string, payload []byte) error {
		ack, err := DecodeAck(topic, payload)
		if err != nil {
			a.logger.Debug("dropping malformed ack", "topic", topic, "error", err)
			return nil
		}
		onAck(ack)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	a.logger.Info("subscribed to command acks", "topic", topic)
	return nil
}

// DecodeAck parses an ack message.
func DecodeAck(topic string, payload []byte) (Ack, error) {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || kind != mqtt.KindAck {
		return Ack{}, fmt.Errorf("%w: unexpected topic %q", errInvalidAck, topic)
	}

	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", errInvalidAck, err) //nolint:errorlint // decode cause is informational
	}
	if ack.CorrelationID == "" {
		return Ack{}, fmt.Errorf("%w: missing correlation_id", errInvalidAck)
	}
	if ack.Status != AckExecuted && ack.Status != AckFailed {
		return Ack{}, fmt.Errorf("%w: status %q", errInvalidAck, ack.Status)
	}
	ack.DeviceID = deviceID
	return ack, nil
}
