// Package influxdb writes the agent's metrics to InfluxDB v2.
//
// Two measurements are written, both tagged with the main device id:
//
//	operation_outcome  one point per finished operation (tags operation,
//	                   target, status; fields duration_ms, success)
//	entity_registry    registered entities per type, once a minute
//
// Writes go through the non-blocking batch API of influxdb-client-go.
// Batches are gzipped, and while the server is unreachable up to 10000
// points are kept for retry, for at most an hour. Failed batches reach the
// SetOnError callback; nothing is returned to the writer.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Device.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	firmwareActor.SetMetrics(client)
package influxdb
