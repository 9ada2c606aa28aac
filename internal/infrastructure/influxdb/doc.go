// Package influxdb is the best-effort time-series sink for safety and
// telemetry metrics.
//
// Writes are non-blocking and batched: interlock transitions, mode
// changes and emergency events are queued by the safety supervisor and
// flushed asynchronously, so a slow or absent InfluxDB can never stall a
// safety operation. Async write failures surface through an error
// callback, not the write path.
package influxdb
