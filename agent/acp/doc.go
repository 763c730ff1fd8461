// Package acp serves Fuzz to ACP clients such as Zed. Messages are
// newline-delimited JSON-RPC 2.0 over stdio.
//
// Supported methods are initialize, session/new (which accepts an optional
// persona), session/prompt and session/clear. While a prompt runs, progress
// is pushed to the client as session/update notifications carrying
// tool_call, tool_result and agent_message_chunk updates.
package acp
