// Package mqtt provides the gateway's MQTT session.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and exponential backoff
//   - Message publishing with QoS acknowledgement and a bounded wait
//   - Wildcard subscriptions, restored automatically after every reconnect
//   - Last Will and Testament (LWT) announcing the gateway's presence
//
// Devices publish telemetry on iot/devices/{id}/data and receive commands
// on iot/devices/{id}/command. The Topics helpers build these strings.
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS=true) for any broker outside localhost
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceData(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
