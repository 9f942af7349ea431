package eventbus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process, channel-based Bus used as the default test
// double (§4.0) so command/event contracts can be exercised without a
// Redis instance. If a handler returns an error, the message is put back
// at the end of its queue and the running ConsumeCommands/
// ConsumeFinOpsEvents loop delivers it again, mirroring
// the at-least-once contract at a much smaller scale than the Redis
// Streams transport.
type MemoryBus struct {
	mu         sync.Mutex
	commands   []Command
	finops     []FinOpsEvent
	commandCh  chan struct{}
	finopsCh   chan struct{}
	closed     bool
}

// NewMemoryBus builds an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		commandCh: make(chan struct{}, 1),
		finopsCh:  make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// PublishCommand appends cmd to the in-memory command queue.
func (b *MemoryBus) PublishCommand(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	b.commands = append(b.commands, cmd)
	b.mu.Unlock()
	notify(b.commandCh)
	return nil
}

// PublishFinOpsEvent appends event to the in-memory FinOps queue.
func (b *MemoryBus) PublishFinOpsEvent(ctx context.Context, event FinOpsEvent) error {
	b.mu.Lock()
	b.finops = append(b.finops, event)
	b.mu.Unlock()
	notify(b.finopsCh)
	return nil
}

// ConsumeCommands drains and dispatches queued commands to handler,
// re-queueing any that return an error, until ctx is cancelled.
func (b *MemoryBus) ConsumeCommands(ctx context.Context, handler CommandHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.commandCh:
		}
		for {
			cmd, ok := b.popCommand()
			if !ok {
				break
			}
			if err := handler(ctx, cmd); err != nil {
				b.mu.Lock()
				b.commands = append(b.commands, cmd)
				b.mu.Unlock()
				notify(b.commandCh)
				break
			}
		}
	}
}

func (b *MemoryBus) popCommand() (Command, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.commands) == 0 {
		return Command{}, false
	}
	cmd := b.commands[0]
	b.commands = b.commands[1:]
	return cmd, true
}

// ConsumeFinOpsEvents drains and dispatches queued FinOps events to
// handler, re-queueing any that return an error, until ctx is
// cancelled.
func (b *MemoryBus) ConsumeFinOpsEvents(ctx context.Context, handler FinOpsHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.finopsCh:
		}
		for {
			event, ok := b.popFinOpsEvent()
			if !ok {
				break
			}
			if err := handler(ctx, event); err != nil {
				b.mu.Lock()
				b.finops = append(b.finops, event)
				b.mu.Unlock()
				notify(b.finopsCh)
				break
			}
		}
	}
}

func (b *MemoryBus) popFinOpsEvent() (FinOpsEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.finops) == 0 {
		return FinOpsEvent{}, false
	}
	event := b.finops[0]
	b.finops = b.finops[1:]
	return event, true
}

// Close marks the bus closed; pending consumers exit on their next ctx
// check, not on Close itself, since MemoryBus holds no external socket.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
