package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	// outcomeMeasurement holds one point per finished operation.
	outcomeMeasurement = "operation_outcome"
	// registryMeasurement holds the size of the entity store.
	registryMeasurement = "entity_registry"
)

// RecordOutcome writes the outcome of a finished operation, e.g. a firmware
// update of a child device. It satisfies operation.Metrics.
//
// Tags: operation, target, status. Fields: duration_ms, success (0 or 1).
func (c *Client) RecordOutcome(operation, target, status string, duration time.Duration) {
	success := 0
	if status == "successful" {
		success = 1
	}
	c.WritePoint(outcomeMeasurement,
		map[string]string{
			"operation": operation,
			"target":    target,
			"status":    status,
		},
		map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     success,
		},
	)
}

// RecordEntities writes the number of registered entities per type.
func (c *Client) RecordEntities(counts map[string]int) {
	fields := make(map[string]interface{}, len(counts))
	for typ, n := range counts {
		fields[typ] = n
	}
	if len(fields) == 0 {
		return
	}
	c.WritePoint(registryMeasurement, nil, fields)
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp. Points
// written while closed are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
