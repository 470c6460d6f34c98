package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Sink receives trace entries as they are appended. Persistence, formatting
// and forwarding live behind this interface.
type Sink interface {
	Emit(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

// Emit calls f(ctx, e).
func (f SinkFunc) Emit(ctx context.Context, e Entry) error { return f(ctx, e) }

// NoopSink discards entries.
type NoopSink struct{}

// Emit does nothing.
func (NoopSink) Emit(context.Context, Entry) error { return nil }

// MultiSink fans entries out to several sinks. Every sink is called; errors
// are joined.
type MultiSink []Sink

// Emit forwards e to every sink.
func (m MultiSink) Emit(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChanSink delivers entries on a channel. Emit blocks until the entry is
// received or ctx is done.
type ChanSink chan Entry

// Emit sends e on the channel.
func (c ChanSink) Emit(ctx context.Context, e Entry) error {
	select {
	case c <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shaper transforms the copy of an entry handed to a sink, e.g. to truncate
// or redact it.
type Shaper func(Entry) Entry

// Chain applies shapers in order.
func Chain(shapers ...Shaper) Shaper {
	return func(e Entry) Entry {
		for _, s := range shapers {
			e = s(e)
		}
		return e
	}
}

// Truncate limits reasoning and string responses to max runes. Non-string
// responses are rendered with %v before truncation when they exceed max.
func Truncate(max int) Shaper {
	return func(e Entry) Entry {
		e.Reasoning = truncate(e.Reasoning, max)
		switch v := e.Response.(type) {
		case nil:
		case string:
			e.Response = truncate(v, max)
		default:
			if s := fmt.Sprintf("%v", v); utf8.RuneCountInString(s) > max {
				e.Response = truncate(s, max)
			}
		}
		if len(e.Children) > 0 {
			children := make([]Entry, len(e.Children))
			for i, c := range e.Children {
				children[i] = Truncate(max)(c)
			}
			e.Children = children
		}
		return e
	}
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

// Redact replaces the request values of the given parameter names.
func Redact(keys ...string) Shaper {
	return func(e Entry) Entry {
		if len(e.Request) > 0 {
			req := make(map[string]any, len(e.Request))
			for k, v := range e.Request {
				req[k] = v
				for _, r := range keys {
					if strings.EqualFold(k, r) {
						req[k] = "[REDACTED]"
					}
				}
			}
			e.Request = req
		}
		if len(e.Children) > 0 {
			children := make([]Entry, len(e.Children))
			for i, c := range e.Children {
				children[i] = Redact(keys...)(c)
			}
			e.Children = children
		}
		return e
	}
}
