// Package playback schedules inbound synthesised speech on an output line
// with gapless, non-overlapping placement and supports an immediate full stop
// on interruption (barge-in).
//
// The [Scheduler] keeps a single playback cursor: the earliest clock position
// at which the next unit may begin. Every inbound chunk is decoded and placed
// at max(now, cursor); the cursor then advances by the unit's duration. When
// the consumer keeps pace, units sit back to back with no gap. When it falls
// behind (underrun), the unit starts at "now" and a gap is accepted rather
// than an overlap.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Unit is one decoded inbound chunk placed on the output timeline. It is
// owned by the scheduler from creation until its completion callback fires.
type Unit struct {
	// Seq is the arrival index of the unit, starting at 1.
	Seq uint64

	// Samples are the decoded mono samples at [audio.PlaybackSampleRate].
	Samples []float32

	// Start is the scheduled start on the output line's clock.
	Start time.Duration

	// Duration is derived from the sample count and the fixed output rate.
	Duration time.Duration

	voice audio.Voice
}

// End returns Start + Duration.
func (u Unit) End() time.Duration { return u.Start + u.Duration }

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled    uint64
	Completed    uint64
	Underruns    uint64
	Flushes      uint64
	DecodeErrors uint64
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithObserver registers a callback invoked (outside the scheduler lock) for
// every unit after it has been placed on the line. The unit passed is a copy;
// the observer must not block.
func WithObserver(fn func(Unit)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithUnderrunHandler registers a callback invoked when a unit had to start
// later than the cursor because the line clock had already passed it. gap is
// the silence inserted. Called outside the scheduler lock; must not block.
func WithUnderrunHandler(fn func(gap time.Duration)) Option {
	return func(s *Scheduler) { s.onUnderrun = fn }
}

// WithDecodeErrorHandler registers a callback invoked when an inbound chunk
// cannot be decoded. The chunk is always dropped; the handler exists for
// metrics. Called outside the scheduler lock; must not block.
func WithDecodeErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.onDecodeErr = fn }
}

// Scheduler places inbound audio on an [audio.OutputLine].
//
// All exported methods are safe for concurrent use. Cursor updates and
// active-set mutations are serialised behind one mutex; no method blocks on
// device I/O.
type Scheduler struct {
	line audio.OutputLine
	rate int

	observer    func(Unit)
	onUnderrun  func(time.Duration)
	onDecodeErr func(error)

	mu     sync.Mutex
	cursor time.Duration
	active map[uint64]*Unit
	seq    uint64
	stats  Stats
	closed bool

	// primed is set while the cursor was advanced by a unit of the current
	// turn; a unit that then has to start after the cursor is an underrun.
	primed bool

	warnDecode sync.Once
}

// New creates a Scheduler that renders to line. The line must have been
// opened at [audio.PlaybackFormat]. The cursor starts at line.Now().
func New(line audio.OutputLine, opts ...Option) *Scheduler {
	s := &Scheduler{
		line:   line,
		rate:   audio.PlaybackSampleRate,
		active: make(map[uint64]*Unit),
	}
	for _, o := range opts {
		o(s)
	}
	s.cursor = line.Now()
	return s
}

// Enqueue decodes chunk and schedules it at max(now, cursor).
//
// A chunk that fails to decode is logged and dropped: the cursor and the
// active set are left untouched and nil is returned, because per-chunk
// decode failures never escalate. The only error returned is [ErrClosed] or
// a scheduling failure reported by the output line.
func (s *Scheduler) Enqueue(chunk pcm.WireChunk) error {
	samples, err := pcm.Decode(chunk)
	if err != nil {
		s.dropMalformed(err)
		return nil
	}
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	now := s.line.Now()
	start := max(now, s.cursor)
	var gap time.Duration
	if s.primed && now > s.cursor {
		gap = now - s.cursor
	}

	s.seq++
	u := &Unit{
		Seq:      s.seq,
		Samples:  samples,
		Start:    start,
		Duration: audio.SamplesDuration(len(samples), s.rate),
	}
	seq := u.Seq
	voice, err := s.line.Schedule(samples, start, func() { s.complete(seq) })
	if err != nil {
		s.mu.Unlock()
		return err
	}
	u.voice = voice
	s.active[seq] = u
	s.cursor = u.End()
	s.primed = true
	s.stats.Scheduled++
	if gap > 0 {
		s.stats.Underruns++
	}
	snapshot := *u
	s.mu.Unlock()

	if gap > 0 && s.onUnderrun != nil {
		s.onUnderrun(gap)
	}
	if s.observer != nil {
		snapshot.voice = nil
		s.observer(snapshot)
	}
	return nil
}

// Flush stops every active unit immediately, clears the active set, and
// resets the cursor to the line's current clock so that the next unit starts
// now rather than at a stale future position. All stopped voices have been
// told to stop by the time Flush returns.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	voices := s.interruptLocked()
	s.stats.Flushes++
	s.mu.Unlock()

	stopVoices(voices)
}

// Close flushes and refuses any further units. After Close returns no unit
// scheduled by this Scheduler will play. Close is idempotent; it does not
// close the output line, which the caller owns.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	voices := s.interruptLocked()
	s.mu.Unlock()

	stopVoices(voices)
	return nil
}

// EndOfTurn marks the end of a model turn. The silence before the next
// turn's first unit is expected and is not counted as an underrun.
func (s *Scheduler) EndOfTurn() {
	s.mu.Lock()
	s.primed = false
	s.mu.Unlock()
}

// Active returns the number of units scheduled but not yet completed.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the earliest clock position for the next unit.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Buffered returns how much scheduled audio is still ahead of the line clock.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ahead := s.cursor - s.line.Now(); ahead > 0 && len(s.active) > 0 {
		return ahead
	}
	return 0
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// interruptLocked detaches every active unit and resets the cursor. The
// returned voices must be stopped after s.mu is released, because stopping a
// voice may synchronously invoke its completion callback. Must be called with
// s.mu held.
func (s *Scheduler) interruptLocked() []audio.Voice {
	voices := make([]audio.Voice, 0, len(s.active))
	for seq, u := range s.active {
		if u.voice != nil {
			voices = append(voices, u.voice)
		}
		delete(s.active, seq)
	}
	s.cursor = s.line.Now()
	s.primed = false
	return voices
}

// complete removes a finished unit from the active set. Units already
// removed by a flush are ignored.
func (s *Scheduler) complete(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[seq]; ok {
		delete(s.active, seq)
		s.stats.Completed++
	}
}

func (s *Scheduler) dropMalformed(err error) {
	s.mu.Lock()
	s.stats.DecodeErrors++
	s.mu.Unlock()

	s.warnDecode.Do(func() {
		slog.Warn("playback: dropping malformed inbound chunk", "err", err)
	})
	slog.Debug("playback: dropped chunk", "err", err)
	if s.onDecodeErr != nil {
		s.onDecodeErr(err)
	}
}

func stopVoices(voices []audio.Voice) {
	for _, v := range voices {
		v.Stop()
	}
}
