package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEvent records one safety event occurrence. Satisfies the safety
// service's MetricsSink. Non-blocking; a disconnected client drops the
// point.
func (c *Client) WriteEvent(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteInterlockState records an interlock engagement transition.
func (c *Client) WriteInterlockState(interlockName string, engaged, overridden bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"interlock_state",
		map[string]string{
			"interlock": interlockName,
		},
		map[string]any{
			"engaged":    engaged,
			"overridden": overridden,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteTelemetry records one numeric telemetry reading from the coach
// gateway.
//
// Example:
//
//	client.WriteTelemetry("chassis", "vehicle_speed_mph", 0.0)
func (c *Client) WriteTelemetry(source, metric string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"source": source,
			"metric": metric,
		},
		map[string]any{
			"value": value,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WritePINActivity records aggregate PIN validation counters for
// operator dashboards. No identifying detail beyond the outcome.
func (c *Client) WritePINActivity(pinType string, success bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"pin_activity",
		map[string]string{
			"pin_type": pinType,
		},
		map[string]any{
			"success": success,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point for measurements that do not fit the
// helpers. Tags index (keep cardinality low); fields carry the data.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
