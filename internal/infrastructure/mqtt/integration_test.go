//go:build integration

package mqtt

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_Connect(t *testing.T) {
	client, err := Connect(integrationConfig("iot-gw-int-connect"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestIntegration_ConnectInvalidBroker(t *testing.T) {
	cfg := integrationConfig("iot-gw-int-refused")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); err == nil {
		t.Fatal("Connect() expected error for invalid broker")
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client, err := Connect(integrationConfig("iot-gw-int-sub-track"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := []string{Topics{}.AllDeviceData(), Topics{}.AllDeviceAcks()}
	handler := func(string, []byte) error { return nil }

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	// Re-subscribing the same filter replaces the handler.
	if err := client.Subscribe(topics[0], 0, handler); err != nil {
		t.Fatalf("Subscribe(%s) again error = %v", topics[0], err)
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() after resubscribe = %d, want %d", client.SubscriptionCount(), len(topics))
	}
}

func TestIntegration_WildcardRoundtrip(t *testing.T) {
	pub, err := Connect(integrationConfig("iot-gw-int-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig("iot-gw-int-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	var once sync.Once
	err = sub.Subscribe(Topics{}.AllDeviceData(), 1, func(topic string, _ []byte) error {
		once.Do(func() { received <- topic })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	want := Topics{}.DeviceData("int-device-1")
	if err := pub.Publish(want, []byte(`{"temperature":25.5}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Errorf("received topic = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestIntegration_PreservesPublishOrder(t *testing.T) {
	pub, err := Connect(integrationConfig("iot-gw-int-order-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig("iot-gw-int-order-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	const n = 2000
	var (
		mu   sync.Mutex
		seqs []int
	)
	done := make(chan struct{})
	err = sub.Subscribe(Topics{}.AllDeviceData(), 1, func(_ string, payload []byte) error {
		var msg struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		mu.Lock()
		seqs = append(seqs, msg.Seq)
		if len(seqs) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	topic := Topics{}.DeviceData("int-order-device")
	for i := 0; i < n; i++ {
		if err := pub.Publish(topic, []byte(fmt.Sprintf(`{"seq":%d}`, i)), 1, false); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		mu.Lock()
		t.Fatalf("received %d of %d messages", len(seqs), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seqs {
		if seq != i {
			t.Fatalf("message %d has seq %d, want in-order delivery", i, seq)
		}
	}
}
