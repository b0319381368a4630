package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementTelemetry is the measurement all device readings go to.
const MeasurementTelemetry = "telemetry"

// WriteReadings writes one telemetry message as a single point tagged with
// the device id, one field per reading. The write is non-blocking.
//
//	client.WriteReadings("feeder-7", map[string]float64{"weight": 50, "temp": 23.5}, ts)
func (c *Client) WriteReadings(deviceID string, readings map[string]float64, ts time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(readings) == 0 {
		return nil
	}
	c.writeAPI.WritePoint(readingsPoint(deviceID, readings, ts))
	return nil
}

func readingsPoint(deviceID string, readings map[string]float64, ts time.Time) *write.Point {
	fields := make(map[string]interface{}, len(readings))
	for k, v := range readings {
		fields[k] = v
	}
	return write.NewPoint(
		MeasurementTelemetry,
		map[string]string{"device_id": deviceID},
		fields,
		ts,
	)
}
