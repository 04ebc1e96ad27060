// Package agent wires the agent's components to the MQTT bus and
// supervises them.
//
// Every operation actor, the entity registry and the HTTP server run in
// one errgroup: the first component to fail cancels the others, and the
// error is returned to main, which exits non-zero so the service manager
// restarts the agent. Cancelling the context is the shutdown signal; the
// actors leave in-flight operations in their recovery stores.
//
// Bus traffic is routed as follows:
//
//	<root>/+/+/+/+              entity registrations (empty payload deregisters)
//	<root>/+/+/+/+/twin/+       twin fragments
//	<root>/+/+/+/+/cmd/<op>/+   command states, to the actor owning <op>
//
// Registry changes are republished retained on the same topics, so the
// broker always holds the current entity store. The echo of such a
// publication is a no-op for the registry.
package agent
