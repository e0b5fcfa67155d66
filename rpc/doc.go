// Package rpc serves the orchestrator over JSON-RPC 2.0 on a pair of
// streams, usually stdio. Messages are newline-delimited JSON objects
// rather than using Content-Length framing. Nothing but protocol messages
// is written to the output stream.
//
// Requests:
//   - initialize
//   - agent/create, agent/start, agent/get, agent/list
//   - agent/approve, agent/deny
//   - agent/remove, agent/removeAll
//   - agent/suspend, agent/resume, sessions/list
//   - approvals/list
//   - servers/list, servers/configure
//   - credentials/set, credentials/delete, credentials/has
//
// Every change to an agent is pushed to the client as an agent/update
// notification.
package rpc
