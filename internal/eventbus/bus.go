package eventbus

import "context"

// CommandHandler processes one Command. Returning nil acknowledges the
// message; a non-nil error leaves it unacknowledged for redelivery,
// satisfying the at-least-once contract of §4.8 — handlers must be
// idempotent (the state machine's terminal-shortcut and
// provider_instance_id guard make the core workers so).
type CommandHandler func(ctx context.Context, cmd Command) error

// FinOpsHandler processes one FinOpsEvent. Consumers dedupe by EventID
// (§4.8) since redelivery can hand them the same event twice.
type FinOpsHandler func(ctx context.Context, event FinOpsEvent) error

// Bus is the uniform interface over the two logical channels (§4.8).
// ConsumeCommands/ConsumeFinOpsEvents block, dispatching to handler
// until ctx is cancelled.
type Bus interface {
	PublishCommand(ctx context.Context, cmd Command) error
	PublishFinOpsEvent(ctx context.Context, event FinOpsEvent) error
	ConsumeCommands(ctx context.Context, handler CommandHandler) error
	ConsumeFinOpsEvents(ctx context.Context, handler FinOpsHandler) error
	Close() error
}
