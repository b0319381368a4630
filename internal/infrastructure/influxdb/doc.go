// Package influxdb stores telemetry history in InfluxDB v2.
//
// Each routed telemetry message becomes one point in the "telemetry"
// measurement, tagged with device_id and the gateway id, with one float
// field per reading.
// Writes go through the client library's batching write API so the router's
// history worker never waits on the network.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Gateway.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReadings("feeder-7", readings, receivedAt)
package influxdb
