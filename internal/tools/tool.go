// Package tools provides the named, schema-validated callable collection
// behind the LLM function-calling protocol, plus the built-in tools.
//
// Tools never raise to the caller: every outcome collapses into a single
// result string handed back to the LLM as a tool message.
package tools

import "context"

// Tool is an immutable named callable exposed to the LLM.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description returns the human description shown to the LLM.
	Description() string

	// Parameters returns the JSON-Schema parameter object
	// (draft-07 compatible, OpenAI function-calling shape).
	Parameters() map[string]any

	// Execute runs the tool. Expected failures (policy blocks, missing
	// files, bad input) are returned as result strings prefixed "Error: ";
	// the error return is reserved for unexpected internal failures.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// CallContext carries the per-inbound-event defaults for side-effecting tools
// (message, spawn, cron). It travels on the context, so tool instances stay
// immutable and safe for concurrent use.
type CallContext struct {
	Channel string
	ChatID  string
}

type callContextKey struct{}

// WithCallContext binds the current event's channel/chat to the context.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the bound call context, or a zero value.
func CallContextFrom(ctx context.Context) CallContext {
	cc, _ := ctx.Value(callContextKey{}).(CallContext)
	return cc
}
