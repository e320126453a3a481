// Package album reassembles multi-image submissions that arrive as a burst of
// individual messages sharing a group id.
//
// The first image of a group opens a buffer and schedules a flush one window
// later. Later images for the same group only append. The flush pops the
// buffer under the aggregator lock, so each buffer is handed to the FlushFunc
// at most once, and a group id seen again after its flush starts a fresh buffer.
package album

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultWindow is the quiescence window measured from the first arrival.
	DefaultWindow = 1200 * time.Millisecond
	// MaxRefs is the most images one batch carries; extras are dropped.
	MaxRefs = 10
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("album: aggregator closed")

// Batch is one flushed group.
type Batch struct {
	GroupID string
	UserID  int64
	// Caption is the first non-empty caption seen in the group.
	Caption string
	Refs    []string
	FirstAt time.Time
}

// FlushFunc receives each populated batch exactly once.
type FlushFunc func(ctx context.Context, b Batch)

type buffer struct {
	batch Batch
	timer *time.Timer
}

// Aggregator buffers image refs per group id.
type Aggregator struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	// wg counts scheduled buffers until their flush returns or they are abandoned.
	wg sync.WaitGroup
}

// New creates an Aggregator. A non-positive window means DefaultWindow.
func New(window time.Duration, flush FlushFunc) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		window:  window,
		flush:   flush,
		buffers: make(map[string]*buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add appends ref to the group's buffer and reports whether it opened the buffer.
func (a *Aggregator) Add(groupID string, userID int64, caption, ref string) (bool, error) {
	if groupID == "" || ref == "" {
		return false, errors.New("album: group id and ref are required")
	}
	caption = strings.TrimSpace(caption)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}

	if buf, ok := a.buffers[groupID]; ok {
		if len(buf.batch.Refs) >= MaxRefs {
			log.Warn().Str("groupId", groupID).Int("max", MaxRefs).Msg("Album is full, dropping image")
			return false, nil
		}
		buf.batch.Refs = append(buf.batch.Refs, ref)
		if buf.batch.Caption == "" {
			buf.batch.Caption = caption
		}
		return false, nil
	}

	buf := &buffer{batch: Batch{
		GroupID: groupID,
		UserID:  userID,
		Caption: caption,
		Refs:    []string{ref},
		FirstAt: time.Now(),
	}}
	a.buffers[groupID] = buf
	a.wg.Add(1)
	buf.timer = time.AfterFunc(a.window, func() { a.fire(groupID, buf) })

	log.Debug().Str("groupId", groupID).Int64("userId", userID).Dur("window", a.window).Msg("Album buffer opened")
	return true, nil
}

// fire pops buf if it is still the current buffer for groupID and flushes it.
func (a *Aggregator) fire(groupID string, buf *buffer) {
	defer a.wg.Done()

	a.mu.Lock()
	if a.buffers[groupID] != buf {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, groupID)
	batch := buf.batch
	a.mu.Unlock()

	if len(batch.Refs) == 0 {
		return
	}
	log.Info().
		Str("groupId", groupID).
		Int64("userId", batch.UserID).
		Int("images", len(batch.Refs)).
		Msg("Flushing album")
	a.flush(a.ctx, batch)
}

// Pending returns the number of open buffers.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close stops accepting images, abandons buffers whose window has not
// elapsed, and waits for flushes already running. If ctx expires first, the
// running flushes see their context cancelled and Close returns ctx.Err().
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for groupID, buf := range a.buffers {
		if buf.timer.Stop() {
			a.wg.Done()
			log.Warn().
				Str("groupId", groupID).
				Int64("userId", buf.batch.UserID).
				Int("images", len(buf.batch.Refs)).
				Msg("Album abandoned at shutdown")
		}
		delete(a.buffers, groupID)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	}
}
