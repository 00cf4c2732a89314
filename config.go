package revent

// Config holds EventLoop tuning knobs. All fields are optional; use
// DefaultConfig (or the NewEventLoop Option helpers) to get sane defaults.
type Config struct {
	// IOPollTimeoutMS bounds how long a single selector call may block.
	IOPollTimeoutMS int
	// SelectCapacity sizes the selector's scratch event buffer.
	SelectCapacity int
	// BufferCapacity sizes each socket's scratch read slab.
	BufferCapacity int
	// TimeMaxID bounds the timer id space before wraparound recycling.
	TimeMaxID uint32
}

// DefaultConfig returns the documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		IOPollTimeoutMS: 1,
		SelectCapacity:  1024,
		BufferCapacity:  DefaultScratchCapacity,
		TimeMaxID:       1<<31 - 1,
	}
}

// Option configures an EventLoop at construction time, in the style of
// trpc.group/trpc-go/tnet's functional options (options.go).
type Option func(*Config, *loopExtras)

// loopExtras holds construction-time settings that aren't part of Config
// proper (a logger, a clock) but are still supplied via Option.
type loopExtras struct {
	logger Logger
	clock  Clock
}

// WithPollTimeout overrides IOPollTimeoutMS.
func WithPollTimeout(ms int) Option {
	return func(c *Config, _ *loopExtras) { c.IOPollTimeoutMS = ms }
}

// WithSelectCapacity overrides SelectCapacity.
func WithSelectCapacity(n int) Option {
	return func(c *Config, _ *loopExtras) { c.SelectCapacity = n }
}

// WithBufferCapacity overrides BufferCapacity.
func WithBufferCapacity(n int) Option {
	return func(c *Config, _ *loopExtras) { c.BufferCapacity = n }
}

// WithMaxTimerID overrides TimeMaxID.
func WithMaxTimerID(max uint32) Option {
	return func(c *Config, _ *loopExtras) { c.TimeMaxID = max }
}

// WithLogger replaces the package-level diagnostic logger (the same one
// SetLogger sets) when the loop is constructed. The logger is not scoped
// to this loop: every EventLoop in the process uses it from then on.
func WithLogger(l Logger) Option {
	return func(_ *Config, e *loopExtras) { e.logger = l }
}

// WithClock overrides the EventLoop's timer Clock; primarily for tests
// that need deterministic timer firing via ManualClock.
func WithClock(c Clock) Option {
	return func(_ *Config, e *loopExtras) { e.clock = c }
}
