// Package agent turns user requests into backend calls.
//
// The Dispatcher is the entry point shared by every front-end. For each
// request it validates the input, resolves the user's active configuration
// for the requested capability and forwards the request:
//
//   - Text goes to the ProviderAgent registered for the configuration's
//     provider, which runs the bounded tool-calling loop.
//   - Visual goes to the VisionAgent, a single call with the image attached.
//   - Sound goes to the sound.Generator registered for the provider.
//
// Every path ends in a Response; failures are reported in its Answer.
//
// # Personas
//
// A text conversation is seeded with the system prompt of its Persona:
//
//   - PersonaTaskManager: manages the user's tasks through DatabaseTool.
//   - PersonaSQLTuning: prepares Northwind queries with GenerateSqlTool
//     and stops as soon as one is recorded.
//   - PersonaFreeChat: plain conversation without tools.
//
// Asking for a different persona than the one a session was seeded with
// starts the session over.
//
// # Callbacks
//
// ProcessCallbacks lets the terminal and ACP front-ends observe a turn while
// it runs (assistant text, tool calls and results, warnings) and veto
// individual tool calls.
//
// # Subpackages
//
// agent/terminal is the interactive command line front-end. agent/acp serves
// the Agent Client Protocol over stdio.
package agent
