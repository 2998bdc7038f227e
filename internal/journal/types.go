package journal

import "time"

// Kind names a presence transition.
type Kind string

const (
	KindRoomCreated Kind = "room_created"
	KindJoined      Kind = "joined"
	KindEvicted     Kind = "evicted"
)

// Event is one presence transition.
type Event struct {
	Kind       Kind
	EntityID   string
	UserID     string // Empty for room_created
	OccurredAt time.Time
}

// Recorder accepts presence events. Record must not block.
type Recorder interface {
	Record(ev Event)
}

// Nop discards every event. Used when the database is disabled.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}

// WriterConfig configures the presence writer.
type WriterConfig struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
	Dropped int64
}
