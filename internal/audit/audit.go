// Package audit delivers the human readable confirmation messages produced
// by configuration changes ("Unlinked: Item ..."). Sinks never fail the
// operation that emits the message.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notifier receives one confirmation message.
type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg string)

func (f NotifierFunc) Notify(ctx context.Context, msg string) { f(ctx, msg) }

type discard struct{}

func (discard) Notify(context.Context, string) {}

// BatchNotifier receives the messages of one operation in a single call.
// Buffer.Flush prefers it over one Notify per message.
type BatchNotifier interface {
	NotifyBatch(ctx context.Context, msgs []string)
}

// NotifyAll delivers msgs to n, in one call when n is a BatchNotifier.
func NotifyAll(ctx context.Context, n Notifier, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	if b, ok := n.(BatchNotifier); ok {
		b.NotifyBatch(ctx, msgs)
		return
	}
	for _, msg := range msgs {
		n.Notify(ctx, msg)
	}
}

// Discard drops every message.
var Discard Notifier = discard{}

// Logger writes messages to logrus at info level.
type Logger struct {
	Entry *logrus.Entry
}

// NewLogger returns a Logger on the standard logrus logger.
func NewLogger() *Logger {
	return &Logger{Entry: logrus.WithField("component", "audit")}
}

func (l *Logger) Notify(ctx context.Context, msg string) {
	entry := l.Entry
	if id := OperationID(ctx); id != "" {
		entry = entry.WithField("operation_id", id)
	}
	entry.Info(msg)
}

// Multi fans a message out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg string) {
	for _, n := range m {
		n.Notify(ctx, msg)
	}
}

func (m Multi) NotifyBatch(ctx context.Context, msgs []string) {
	for _, n := range m {
		NotifyAll(ctx, n, msgs)
	}
}

// Buffer holds messages until Flush. Safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	msgs []string
}

func (b *Buffer) Notify(_ context.Context, msg string) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

// Messages returns a copy of the buffered messages.
func (b *Buffer) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Flush hands every buffered message to n and empties the buffer.
func (b *Buffer) Flush(ctx context.Context, n Notifier) []string {
	b.mu.Lock()
	msgs := b.msgs
	b.msgs = nil
	b.mu.Unlock()
	NotifyAll(ctx, n, msgs)
	return msgs
}

// Reset drops the buffered messages.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.msgs = nil
	b.mu.Unlock()
}

type notifierKey struct{}
type operationKey struct{}

// WithNotifier returns a context whose messages go to n.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

// FromContext returns the notifier of ctx, or Discard.
func FromContext(ctx context.Context) Notifier {
	if n, ok := ctx.Value(notifierKey{}).(Notifier); ok && n != nil {
		return n
	}
	return Discard
}

// Notify formats a message and sends it to the notifier of ctx.
func Notify(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Notify(ctx, fmt.Sprintf(format, args...))
}

// WithOperation tags ctx with an operation ID carried into sink payloads.
func WithOperation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationKey{}, id)
}

// OperationID returns the operation ID of ctx, if any.
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(operationKey{}).(string)
	return id
}
