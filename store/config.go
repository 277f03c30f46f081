package store

import "log/slog"

// Config holds every Open-time knob the store coordinator reads, per
// the public API's open(config) contract. Zero values are resolved to
// their documented defaults in normalize().
type Config struct {
	FileName string
	ReadOnly bool

	// KeysPerPage bounds page fan-out before a page splits.
	KeysPerPage int

	// AutoCommitBufferSize is in KiB; it is multiplied by 19 KiB of heap
	// per KiB of disk to produce AutoCommitMemory, the unsaved-memory
	// threshold that triggers a synchronous tryCommit from beforeWrite.
	AutoCommitBufferSize int

	// AutoCommitDelay is in ms; 0 selects the 1000 ms default and a
	// negative value disables the background writer entirely.
	AutoCommitDelay int64

	// AutoCompactFillRate is a percentage; <= 0 disables auto-compaction
	// from the background writer.
	AutoCompactFillRate int

	// RetentionTime is in ms; the minimum interval a no-longer-referenced
	// chunk must remain readable. Negative means "immediately reclaimable".
	RetentionTime int64

	// ReuseSpace selects free-list allocation (true) or pure append
	// (false, the default-false boundary behavior keeps file growth
	// monotonic).
	ReuseSpace bool

	// VersionsToKeep is accepted but not read by Open: which versions
	// stay reachable depends only on registered version usage.
	VersionsToKeep int

	Logger                     *slog.Logger
	BackgroundExceptionHandler func(error)
}

const (
	defaultAutoCommitDelay     = 1000
	defaultAutoCompactFillRate = 40
	defaultRetentionTime       = 45_000
	defaultKeysPerPage         = 48
	defaultAutoCommitBufferKiB = 1024
	heapBytesPerDiskByte       = 19 * 1024
)

func (c *Config) normalize() {
	if c.KeysPerPage <= 0 {
		c.KeysPerPage = defaultKeysPerPage
	}
	if c.AutoCommitBufferSize <= 0 {
		c.AutoCommitBufferSize = defaultAutoCommitBufferKiB
	}
	if c.AutoCommitDelay == 0 {
		c.AutoCommitDelay = defaultAutoCommitDelay
	}
	if c.AutoCommitDelay < 0 {
		c.AutoCommitDelay = 0
	}
	if c.AutoCompactFillRate == 0 {
		c.AutoCompactFillRate = defaultAutoCompactFillRate
	}
	if c.RetentionTime == 0 {
		c.RetentionTime = defaultRetentionTime
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BackgroundExceptionHandler == nil {
		c.BackgroundExceptionHandler = func(err error) {
			c.Logger.Error("background writer exception", "error", err)
		}
	}
}

// autoCommitMemory derives the unsaved-memory threshold from
// AutoCommitBufferSize, per the open(config) contract in spec.md §6.
func (c *Config) autoCommitMemory() int64 {
	return int64(c.AutoCommitBufferSize) * heapBytesPerDiskByte
}
