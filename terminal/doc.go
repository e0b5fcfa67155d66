// Package terminal implements the interactive console mode.
//
// Each prompt typed at the console becomes an agent in the orchestrator.
// Follow-up prompts create a new agent seeded with the conversation so
// far. Tool calls that need approval are shown with their risk level and
// answered with y/n on the console.
//
// # Verbosity Levels
//
//   - None: tool calls are shown only when they wait for approval
//   - Info: tool names are shown when called
//   - All: tool names, arguments, and results are shown
//
// Type /quit or /exit to leave. /servers lists the tool servers.
package terminal
