// Package agent holds the state of one autonomous agent: its lifecycle
// status, its message log and its step log.
//
// Each Agent serializes its own mutations. The invariant maintained after
// every mutating method is that the pending-approval set equals the set
// of tool_call steps whose status is pending. The first pending call is
// the current one; further pending calls queue behind it in arrival
// order.
//
// Agents do not run themselves. The orchestrator package drives the model
// loop and routes tool calls; this package only records what happened.
package agent
