package flow

// Config tunes one buffer. Fractions are relative to MaxPendingLines.
//
// The drop parameters were tuned empirically; they are configuration, not
// constants, so they can be adjusted after load testing without a rebuild.
type Config struct {
	// MaxPendingLines bounds the number of queued output chunks.
	MaxPendingLines int `yaml:"max_pending_lines"`

	// HighWatermark pauses the producer when crossed upward.
	HighWatermark float64 `yaml:"high_watermark"`

	// LowWatermark resumes the producer when crossed downward.
	LowWatermark float64 `yaml:"low_watermark"`

	// DropThreshold is the fill level at which the drop policy arms.
	DropThreshold float64 `yaml:"drop_threshold"`

	// DropProbability is the chance an eligible chunk is dropped.
	DropProbability float64 `yaml:"drop_probability"`

	// ShortChunkBytes: only chunks shorter than this are drop-eligible.
	ShortChunkBytes int `yaml:"short_chunk_bytes"`

	// BatchSize is the number of chunks handed to the consumer per batch.
	BatchSize int `yaml:"batch_size"`

	// LargeBatchSize replaces BatchSize while the queue is deeper than
	// LargeQueueDepth.
	LargeBatchSize  int `yaml:"large_batch_size"`
	LargeQueueDepth int `yaml:"large_queue_depth"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxPendingLines: 10000,
		HighWatermark:   0.8,
		LowWatermark:    0.5,
		DropThreshold:   0.95,
		DropProbability: 0.3,
		ShortChunkBytes: 10,
		BatchSize:       16,
		LargeBatchSize:  256,
		LargeQueueDepth: 1000,
	}
}

// Normalized fills zero fields from DefaultConfig and restores the
// ordering low < high <= drop <= 1 when a configuration breaks it.
func (c Config) Normalized() Config {
	defaults := DefaultConfig()
	if c.MaxPendingLines <= 0 {
		c.MaxPendingLines = defaults.MaxPendingLines
	}
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = defaults.HighWatermark
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = c.HighWatermark * 0.625
	}
	if c.DropThreshold <= 0 || c.DropThreshold > 1 {
		c.DropThreshold = defaults.DropThreshold
	}
	if c.DropThreshold < c.HighWatermark {
		c.DropThreshold = c.HighWatermark
	}
	if c.DropProbability < 0 || c.DropProbability > 1 {
		c.DropProbability = defaults.DropProbability
	}
	if c.ShortChunkBytes <= 0 {
		c.ShortChunkBytes = defaults.ShortChunkBytes
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LargeBatchSize < c.BatchSize {
		c.LargeBatchSize = c.BatchSize
	}
	if c.LargeQueueDepth <= 0 {
		c.LargeQueueDepth = defaults.LargeQueueDepth
	}
	return c
}

func (c Config) highMark() float64 { return c.HighWatermark * float64(c.MaxPendingLines) }
func (c Config) lowMark() float64  { return c.LowWatermark * float64(c.MaxPendingLines) }
func (c Config) dropMark() float64 { return c.DropThreshold * float64(c.MaxPendingLines) }
