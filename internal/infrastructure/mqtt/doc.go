// Package mqtt connects the agent to the device's local broker.
//
// The broker is the device bus: entities register by publishing retained
// metadata, and every operation runs as a retained command state that the
// requester, the agent and child devices rewrite in turn. The agent is one
// more client on it.
//
// Received messages are handed to handlers one at a time, in arrival
// order, by a dispatcher goroutine owned by the client, so actors see the
// command states of an operation in the order the broker sent them.
//
// The agent's health status is published retained on connection, and the
// broker publishes "down" in its place (the will) if the agent vanishes.
//
// With mqtt.broker.tls the connection verifies the broker against ca_file,
// or the system roots, and may authenticate with cert_file and key_file.
//
//	client, err := mqtt.Connect(cfg.MQTT, schema.Topic(agent.ServiceID(), entity.HealthChannel{}))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("te/+/+/+/+/cmd/firmware_update/+", 1, handler)
package mqtt
