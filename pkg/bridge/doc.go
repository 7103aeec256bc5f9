// Package bridge connects a transport (package transport) to the
// replication message layer (package repl).
//
// Each tick runs in a fixed order:
//   - lifecycle: running/stopped and connect/lost (server), connection state (client)
//   - inbound relay: transport receive queues into the message layer
//   - stats: RTT and loss every tick, throughput once per sampling period
//   - outbound relay: the message layer's send queue into transport sends
//   - disconnect reconciliation: application requests close connections
//
// ReceivePhase runs the first three, SendPhase the last two, Update both.
// Nothing blocks and nothing is returned as an error: misses and transport
// failures are logged and the tick continues.
package bridge
