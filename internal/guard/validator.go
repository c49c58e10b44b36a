// Package guard gates parsed traffic before it reaches the resolver:
// structural packet validation, short-horizon retransmission detection,
// and per-device rate limiting. All state is sharded by device ID and
// shared across reconnects of the same device.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Verdict is the validator's decision for one packet.
type Verdict int

const (
	// VerdictOK admits the packet.
	VerdictOK Verdict = iota
	// VerdictDrop discards the packet but keeps the connection.
	VerdictDrop
	// VerdictClose discards the packet and asks the caller to close the
	// connection; issued only for size violations, where the buffer
	// itself is suspect.
	VerdictClose
)

// ValidatorConfig holds the configuration for the Validator.
type ValidatorConfig struct {
	Logger *slog.Logger

	// MaxMessageSize is the largest accepted frame in bytes.
	MaxMessageSize int

	// DedupHistory caps the per-device hash history length.
	DedupHistory int

	// DedupWindow is how long a content hash counts as a retransmission.
	DedupWindow time.Duration
}

const (
	defaultMaxMessageSize = 4096
	defaultDedupHistory   = 100
	defaultDedupWindow    = 5 * time.Minute
	dedupShardCount       = 32
)

// Validator performs structural sanity checks and duplicate detection.
type Validator struct {
	logger         *slog.Logger
	maxMessageSize int
	dedupHistory   int
	dedupWindow    time.Duration

	shards [dedupShardCount]dedupShard
}

type dedupShard struct {
	mu      sync.Mutex
	devices map[string]*hashHistory
}

type hashHistory struct {
	seen  map[uint64]time.Time
	order []uint64
}

// NewValidator creates a Validator, applying defaults for zero-valued
// limits.
func NewValidator(cfg *ValidatorConfig) *Validator {
	v := &Validator{
		logger:         cfg.Logger,
		maxMessageSize: cfg.MaxMessageSize,
		dedupHistory:   cfg.DedupHistory,
		dedupWindow:    cfg.DedupWindow,
	}
	if v.maxMessageSize <= 0 {
		v.maxMessageSize = defaultMaxMessageSize
	}
	if v.dedupHistory <= 0 {
		v.dedupHistory = defaultDedupHistory
	}
	if v.dedupWindow <= 0 {
		v.dedupWindow = defaultDedupWindow
	}
	for i := range v.shards {
		v.shards[i].devices = make(map[string]*hashHistory)
	}
	return v
}

// Check inspects a raw frame before parsing. The returned reason is empty
// for VerdictOK.
func (v *Validator) Check(frame []byte) (Verdict, string) {
	if len(frame) == 0 {
		return VerdictDrop, "empty payload"
	}
	if len(frame) > v.maxMessageSize {
		return VerdictClose, "payload exceeds maximum message size"
	}
	if frame[0] == 0x7E {
		// Binary frames carry arbitrary bytes; integrity is enforced by
		// their checksum, not by text-format structure checks.
		return VerdictOK, ""
	}

	var brackets, parens int
	for _, b := range frame {
		switch b {
		case '[':
			brackets++
		case ']':
			brackets--
		case '(':
			parens++
		case ')':
			parens--
		case '\r', '\n':
			// Permitted line terminators.
		default:
			if b < 0x20 {
				return VerdictDrop, "control byte in text frame"
			}
		}
		if brackets < 0 || parens < 0 {
			return VerdictDrop, "unbalanced delimiters"
		}
	}
	if brackets != 0 || parens != 0 {
		return VerdictDrop, "unbalanced delimiters"
	}
	return VerdictOK, ""
}

// IsDuplicate records the frame's content hash under the device and
// reports whether the same hash was already seen inside the dedup window.
// Duplicates are retransmissions: the caller answers them with the same
// acknowledgement without reprocessing.
func (v *Validator) IsDuplicate(deviceID string, frame []byte) bool {
	return v.isDuplicateAt(deviceID, frame, time.Now())
}

func (v *Validator) isDuplicateAt(deviceID string, frame []byte, now time.Time) bool {
	hash := xxhash.Sum64(frame)
	shard := &v.shards[shardIndex(deviceID, dedupShardCount)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	history := shard.devices[deviceID]
	if history == nil {
		history = &hashHistory{seen: make(map[uint64]time.Time)}
		shard.devices[deviceID] = history
	}

	if seenAt, ok := history.seen[hash]; ok && now.Sub(seenAt) <= v.dedupWindow {
		return true
	}

	history.seen[hash] = now
	history.order = append(history.order, hash)
	for len(history.order) > v.dedupHistory {
		oldest := history.order[0]
		history.order = history.order[1:]
		if oldest != hash {
			delete(history.seen, oldest)
		}
	}
	return false
}

// Forget clears the duplicate history for a device.
func (v *Validator) Forget(deviceID string) {
	shard := &v.shards[shardIndex(deviceID, dedupShardCount)]
	shard.mu.Lock()
	delete(shard.devices, deviceID)
	shard.mu.Unlock()
}

func shardIndex(deviceID string, count int) int {
	return int(xxhash.Sum64String(deviceID) % uint64(count))
}
