package hivelink

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("hivelink: channel sink closed")

// RecordHandler receives every document the aggregator stored.
type RecordHandler func(ctx context.Context, rec Record) error

// NewCallbackSink adapts a RecordHandler into a Sink so callers can mirror
// stored documents into arbitrary functions without defining structs.
func NewCallbackSink(name string, fn RecordHandler) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes stored documents via a channel; it returns the sink,
// the read-only channel, and a close function that the caller should invoke
// during shutdown. A full channel blocks the write until ctx ends.
func NewChannelSink(name string, buffer int) (Sink, <-chan Record, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Record, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   RecordHandler
}

func (s *callbackSink) Write(ctx context.Context, rec Record) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if rec.Message == nil {
		return nil
	}
	return s.fn(ctx, snapshot(rec))
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	mu     sync.RWMutex
	ch     chan Record
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) Write(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if rec.Message == nil {
		return nil
	}

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- snapshot(rec):
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		// waits for in-flight writes before the channel goes away
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// snapshot detaches the record from the pipeline's message so callers may
// keep or mutate it.
func snapshot(rec Record) Record {
	m := *rec.Message
	m.Fields = rec.Message.Fields.Clone()
	rec.Message = &m
	return rec
}
