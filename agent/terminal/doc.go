// Package terminal is the interactive line-oriented front-end.
//
// Each line typed at the prompt is handed to the agent Dispatcher, so input
// validation and provider resolution behave as they do over HTTP. Lines that
// start with a slash are commands:
//
//	/clear            forget the conversation
//	/sql              print the last SQL statement run for the user
//	/persona <name>   switch to task_manager, free_chat or sql_tuning
//	/quit, /exit      leave
//
// In auto mode tools run without asking. In prompt mode every tool call
// waits for a y/n answer. The tool verbosity decides how much of a tool call
// is echoed: nothing, the tool name, or the name with its arguments and
// result.
package terminal
