// Package flow implements the per-session bounded queue between a PTY read
// loop and whatever delivers its output. It pauses the producer with
// watermark hysteresis, drops only short plain-text chunks under extreme
// pressure, and coalesces at the hard cap so memory stays bounded without
// ever reordering output.
package flow

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/user/ptymux/internal/vt"
)

// Kind identifies what a chunk carries.
type Kind uint8

const (
	KindOutput Kind = iota + 1
	KindResize
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindResize:
		return "resize"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Chunk is one unit in the queue. Only output chunks count against
// MaxPendingLines.
type Chunk struct {
	Kind     Kind
	Data     []byte
	Cols     uint16
	Rows     uint16
	ExitCode int
}

// Output returns an output chunk holding a copy of data.
func Output(data []byte) Chunk {
	return Chunk{Kind: KindOutput, Data: append([]byte(nil), data...)}
}

// Resize returns a dimension change marker.
func Resize(cols, rows uint16) Chunk {
	return Chunk{Kind: KindResize, Cols: cols, Rows: rows}
}

// Exit returns the terminal marker. Nothing is accepted after it.
func Exit(code int) Chunk {
	return Chunk{Kind: KindExit, ExitCode: code}
}

// Protected reports whether the chunk must never be dropped: markers and
// output containing a full clear or an alternate screen switch.
func (c Chunk) Protected() bool {
	if c.Kind != KindOutput {
		return true
	}
	return vt.IsStructural(c.Data)
}

// PushResult tells the producer what happened to a chunk.
type PushResult int

const (
	Queued PushResult = iota
	Dropped
	Coalesced
	Closed
)

func (r PushResult) String() string {
	switch r {
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case Coalesced:
		return "coalesced"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a buffer.
type Stats struct {
	Chunks    int
	Lines     int
	Pushed    uint64
	Delivered uint64
	Dropped   uint64
	Coalesced uint64
	Paused    bool
	Exited    bool
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithRandom replaces the random source used by the drop policy. fn must
// return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(b *Buffer) { b.random = fn }
}

// WithLogger sets the logger for pause transitions and overflow warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) { b.logger = logger }
}

// Buffer is safe for one producer and one consumer running concurrently.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	random func() float64
	logger *slog.Logger

	queue []Chunk
	lines int

	paused   bool
	resumeCh chan struct{}
	signals  chan bool
	notify   chan struct{}

	exitQueued    bool
	exitDelivered bool

	pushed    uint64
	delivered uint64
	dropped   uint64
	coalesced uint64

	overflowWarned bool
}

// New creates an empty buffer.
func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		cfg:     cfg.Normalized(),
		random:  rand.Float64,
		logger:  slog.Default(),
		signals: make(chan bool, 8),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push queues a chunk. It never blocks.
func (b *Buffer) Push(c Chunk) PushResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exitQueued {
		return Closed
	}
	b.pushed++

	switch c.Kind {
	case KindExit:
		b.exitQueued = true
		b.queue = append(b.queue, c)
		b.wakeLocked()
		return Queued
	case KindResize:
		b.queue = append(b.queue, c)
		b.wakeLocked()
		return Queued
	}

	if len(c.Data) == 0 {
		return Queued
	}

	if b.eligibleForDropLocked(c) && b.random() < b.cfg.DropProbability {
		b.dropped++
		return Dropped
	}

	result := Queued
	b.queue = append(b.queue, c)
	b.lines++
	if b.lines > b.cfg.MaxPendingLines && b.coalesceLocked() {
		b.coalesced++
		result = Coalesced
		if !b.overflowWarned {
			b.overflowWarned = true
			b.logger.Warn("flow: pending output at hard cap, coalescing",
				"max_pending_lines", b.cfg.MaxPendingLines)
		}
	}

	if !b.paused && float64(b.lines) >= b.cfg.highMark() {
		b.setPausedLocked(true)
	}
	b.wakeLocked()
	return result
}

// eligibleForDropLocked applies the conservative policy: only short plain
// text, only near the hard cap, never anything structural.
func (b *Buffer) eligibleForDropLocked(c Chunk) bool {
	if float64(b.lines) < b.cfg.dropMark() {
		return false
	}
	if len(c.Data) >= b.cfg.ShortChunkBytes || vt.HasEscape(c.Data) {
		return false
	}
	return !c.Protected()
}

// coalesceLocked merges the newest pair of adjacent output chunks, which is
// the tail pair whenever the tail is output. Order is preserved.
func (b *Buffer) coalesceLocked() bool {
	for i := len(b.queue) - 1; i > 0; i-- {
		prev, cur := &b.queue[i-1], b.queue[i]
		if prev.Kind != KindOutput || cur.Kind != KindOutput {
			continue
		}
		prev.Data = append(prev.Data, cur.Data...)
		copy(b.queue[i:], b.queue[i+1:])
		b.queue[len(b.queue)-1] = Chunk{}
		b.queue = b.queue[:len(b.queue)-1]
		b.lines--
		return true
	}
	return false
}

// Next blocks until a batch is available and returns it. After the batch
// carrying the exit chunk has been returned, Next returns io.EOF.
func (b *Buffer) Next(ctx context.Context) ([]Chunk, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			batch := b.takeLocked()
			b.mu.Unlock()
			return batch, nil
		}
		if b.exitDelivered {
			b.mu.Unlock()
			return nil, io.EOF
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *Buffer) takeLocked() []Chunk {
	size := b.cfg.BatchSize
	if len(b.queue) > b.cfg.LargeQueueDepth {
		size = b.cfg.LargeBatchSize
	}
	if size > len(b.queue) {
		size = len(b.queue)
	}

	batch := make([]Chunk, size)
	copy(batch, b.queue[:size])
	clear(b.queue[:size])
	b.queue = b.queue[size:]
	if len(b.queue) == 0 {
		b.queue = nil
	}

	for _, c := range batch {
		switch c.Kind {
		case KindOutput:
			b.lines--
		case KindExit:
			b.exitDelivered = true
		}
	}
	b.delivered += uint64(size)

	if b.lines < b.cfg.MaxPendingLines {
		b.overflowWarned = false
	}
	if b.paused && float64(b.lines) <= b.cfg.lowMark() {
		b.setPausedLocked(false)
	}
	return batch
}

// WaitWritable blocks while the buffer is paused. It returns immediately
// once an exit chunk is queued.
func (b *Buffer) WaitWritable(ctx context.Context) error {
	for {
		b.mu.Lock()
		if !b.paused || b.exitQueued {
			b.mu.Unlock()
			return nil
		}
		resume := b.resumeCh
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// Paused reports whether the producer should hold off.
func (b *Buffer) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Signals delivers pause (true) and resume (false) transitions. Slow readers
// miss transitions rather than block the buffer; Paused is authoritative.
func (b *Buffer) Signals() <-chan bool {
	return b.signals
}

// Reset discards everything and reopens the buffer after an exit.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = nil
	b.lines = 0
	b.exitQueued = false
	b.exitDelivered = false
	b.overflowWarned = false
	b.pushed, b.delivered, b.dropped, b.coalesced = 0, 0, 0, 0
	if b.paused {
		b.setPausedLocked(false)
	}
	b.wakeLocked()
}

// SetConfig swaps the tuning in place. Queued chunks are kept; the pause
// state is re-evaluated against the new watermarks.
func (b *Buffer) SetConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg = cfg.Normalized()
	switch {
	case !b.paused && float64(b.lines) >= b.cfg.highMark():
		b.setPausedLocked(true)
	case b.paused && float64(b.lines) <= b.cfg.lowMark():
		b.setPausedLocked(false)
	}
}

// Config returns the active tuning.
func (b *Buffer) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Stats returns counters for logging and tests.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Chunks:    len(b.queue),
		Lines:     b.lines,
		Pushed:    b.pushed,
		Delivered: b.delivered,
		Dropped:   b.dropped,
		Coalesced: b.coalesced,
		Paused:    b.paused,
		Exited:    b.exitQueued,
	}
}

func (b *Buffer) setPausedLocked(paused bool) {
	b.paused = paused
	if paused {
		b.resumeCh = make(chan struct{})
		b.logger.Debug("flow: paused", "pending_lines", b.lines)
	} else {
		if b.resumeCh != nil {
			close(b.resumeCh)
			b.resumeCh = nil
		}
		b.logger.Debug("flow: resumed", "pending_lines", b.lines)
	}
	select {
	case b.signals <- paused:
	default:
	}
}

func (b *Buffer) wakeLocked() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
