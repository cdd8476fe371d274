// Package agent provides role-based LLM invocation for the engine.
//
// This package serves as the public API for agent functionality with the following structure:
//   - Invoker: turns a task into a completion request and returns a TaskResult
//   - ClientFactory: builds provider clients wrapped in the resilience middleware chain
//   - Role prompts: embedded system prompts selected by task role
//
// Provider implementations are kept private under internal/llmimpl; the
// middleware chain lives under middleware/.
package agent
