package rooms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultFlushThreshold bounds how many chunk bytes sit in memory before
	// they are flushed to the blob store. Memory use stays constant no
	// matter how long the call runs.
	defaultFlushThreshold = 1 << 20
	// stopDrainTimeout bounds how long Stop waits for the source to deliver
	// its final chunks before completion is forced.
	stopDrainTimeout = 3 * time.Second
)

var (
	// ErrRecorderStopped indicates a write or stop after the recorder finished.
	ErrRecorderStopped = errors.New("rooms: recorder already stopped")
	errMissingStore    = errors.New("rooms: blob store required")
	errMissingKey      = errors.New("rooms: object key required")
)

// ChunkSource delivers encoded media chunks, typically relayed from the
// client's MediaRecorder upload stream. Next returns io.EOF when the source
// has ended.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// RecordingResult summarizes one finished recording.
type RecordingResult struct {
	Key       string
	Bytes     int64
	StartedAt time.Time
	StoppedAt time.Time
}

// RecorderConfig describes one recording pipeline.
type RecorderConfig struct {
	Store          BlobStore
	Key            string
	FlushThreshold int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Recorder streams media chunks to the blob store with bounded buffering.
type Recorder struct {
	store     BlobStore
	key       string
	threshold int
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	object    io.WriteCloser
	buffer    []byte
	total     int64
	startedAt time.Time
	stopped   bool

	pumpDone chan struct{}
	cancel   context.CancelFunc
}

// NewRecorder constructs a recorder for one object key.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Key == "" {
		return nil, errMissingKey
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:     cfg.Store,
		key:       cfg.Key,
		threshold: threshold,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Start begins pumping chunks from source until the source ends or Stop is
// called.
func (r *Recorder) Start(source ChunkSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRecorderStopped
	}
	if r.pumpDone != nil {
		return fmt.Errorf("rooms: recorder already started")
	}

	r.startedAt = r.clock().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.pumpDone = make(chan struct{})

	go r.pump(ctx, source)
	return nil
}

func (r *Recorder) pump(ctx context.Context, source ChunkSource) {
	defer close(r.pumpDone)
	for {
		chunk, err := source.Next(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			r.logger.Warn("recording source failed", zap.String("key", r.key), zap.Error(err))
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if err := r.append(chunk); err != nil {
			r.logger.Warn("recording flush failed", zap.String("key", r.key), zap.Error(err))
			return
		}
	}
}

// Write accepts one chunk directly, satisfying io.Writer so a request body
// can be streamed straight into the recorder.
func (r *Recorder) Write(p []byte) (int, error) {
	if err := r.append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r *Recorder) append(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRecorderStopped
	}
	r.buffer = append(r.buffer, chunk...)
	r.total += int64(len(chunk))
	if len(r.buffer) >= r.threshold {
		return r.flushLocked()
	}
	return nil
}

// flushLocked writes the buffered bytes to the store. The object is created
// lazily on first flush so a recording that never produced data leaves no
// object behind.
func (r *Recorder) flushLocked() error {
	if len(r.buffer) == 0 {
		return nil
	}
	if r.object == nil {
		object, err := r.store.Create(r.key)
		if err != nil {
			return err
		}
		r.object = object
	}
	if _, err := r.object.Write(r.buffer); err != nil {
		return err
	}
	r.buffer = r.buffer[:0]
	return nil
}

// Stop drains the source, bounded by stopDrainTimeout, then flushes and
// closes the object. After the bound the pump is force-cancelled and
// whatever was flushed so far stands as the recording.
func (r *Recorder) Stop(ctx context.Context) (RecordingResult, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return RecordingResult{}, ErrRecorderStopped
	}
	pumpDone := r.pumpDone
	cancel := r.cancel
	r.mu.Unlock()

	if pumpDone != nil {
		drainTimer := time.NewTimer(stopDrainTimeout)
		defer drainTimer.Stop()
		select {
		case <-pumpDone:
		case <-drainTimer.C:
			r.logger.Warn("recording drain timed out, forcing completion", zap.String("key", r.key))
			cancel()
			<-pumpDone
		case <-ctx.Done():
			cancel()
			<-pumpDone
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true

	var firstErr error
	if err := r.flushLocked(); err != nil {
		firstErr = err
	}
	if r.object != nil {
		if err := r.object.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	result := RecordingResult{
		Key:       r.key,
		Bytes:     r.total,
		StartedAt: r.startedAt,
		StoppedAt: r.clock().UTC(),
	}
	if firstErr != nil {
		return result, fmt.Errorf("rooms: finalize recording: %w", firstErr)
	}
	return result, nil
}

// BytesRecorded reports the total chunk bytes accepted so far.
func (r *Recorder) BytesRecorded() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
