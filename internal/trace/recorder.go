package trace

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var runIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const frameFlushInterval = 200 * time.Millisecond

// EventKind classifies a recorded protocol event.
type EventKind string

const (
	EventPublish EventKind = "publish"
	EventDeliver EventKind = "deliver"
	EventGrant   EventKind = "grant"
)

// Event captures one observable sequencer transition for the trace log.
type Event struct {
	Kind       EventKind
	ClientID   uint32
	PublishSeq float64
	ReceiveSeq float64
	Channel    string
	Payload    []byte
}

// frameBlob stores a captured wire frame before it is persisted to disk.
type frameBlob struct {
	SeqNum     float64
	CapturedAt time.Time
	Payload    []byte
}

// Recorder streams an observable EventList and, optionally, raw wire frames to disk using the
// same pairing of compressors as the teacher: snappy for the JSON event log, zstd for the
// binary frame log.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	dumps       int64
}

// Manifest describes the trace run's layout so tooling can locate artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	FramesPath string `json:"frames_path"`
}

// Stats summarises in-memory buffering state for the admin/debug metrics surface.
type Stats struct {
	BufferedFrames int
	BufferedBytes  int64
	Dumps          int64
}

// NewRecorder creates a fresh run directory under root and opens its compressed sinks.
func NewRecorder(root, runID string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("trace root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := runIDCleaner.ReplaceAllString(runID, "")
	if cleaned == "" {
		cleaned = "run"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	framesPath := filepath.Join(path, "frames.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(framesPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:    1,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: "events.jsonl.sz",
		FramesPath: "frames.bin.zst",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	recorder := &Recorder{
		dir:         path,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		frameFile:   frameFile,
		frameStream: frameStream,
	}

	return recorder, manifest, nil
}

// Directory exposes the directory backing this run.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// AppendEvent writes a single JSON event line to the compressed event log.
func (r *Recorder) AppendEvent(event Event) error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Encode the event with its metadata so downstream JSONL parsers can stream it safely.
	record := struct {
		Kind       EventKind `json:"kind"`
		ClientID   uint32    `json:"client_id"`
		PublishSeq float64   `json:"publish_seq,omitempty"`
		ReceiveSeq float64   `json:"receive_seq,omitempty"`
		Channel    string    `json:"channel,omitempty"`
		PayloadB64 string    `json:"payload_b64,omitempty"`
		CapturedAt string    `json:"captured_at"`
	}{
		Kind:       event.Kind,
		ClientID:   event.ClientID,
		PublishSeq: event.PublishSeq,
		ReceiveSeq: event.ReceiveSeq,
		Channel:    event.Channel,
		PayloadB64: base64.StdEncoding.EncodeToString(event.Payload),
		CapturedAt: captured.Format(time.RFC3339Nano),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := r.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := r.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return r.eventStream.Flush()
}

// AppendFrame buffers a raw wire frame until the flush cadence is reached, for byte-level
// post-mortems alongside the higher-level event log.
func (r *Recorder) AppendFrame(seqNum float64, payload []byte) error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	captured := r.now().UTC()
	clone := append([]byte(nil), payload...)

	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Stage the frame so cadence enforcement can persist batches together.
	r.pending = append(r.pending, frameBlob{SeqNum: seqNum, CapturedAt: captured, Payload: clone})
	if r.lastFlush.IsZero() {
		r.lastFlush = captured
		return nil
	}
	if captured.Sub(r.lastFlush) >= frameFlushInterval {
		if err := r.flushLocked(); err != nil {
			return err
		}
		r.lastFlush = captured
	}
	return nil
}

// Flush forces pending frames to be written regardless of cadence.
func (r *Recorder) Flush() error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Persist pending frames then refresh the cadence anchor to avoid bursts.
	if err := r.flushLocked(); err != nil {
		return err
	}
	r.lastFlush = r.now().UTC()
	r.dumps++
	return nil
}

// Stats reports the in-memory buffering state for the admin/debug metrics surface.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var bytes int64
	for _, frame := range r.pending {
		bytes += int64(len(frame.Payload))
	}
	return Stats{BufferedFrames: len(r.pending), BufferedBytes: bytes, Dumps: r.dumps}
}

// Close synchronously flushes all buffers and releases file handles.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Attempt every flush/close and surface the first failure for callers to inspect.
	var firstErr error
	if err := r.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (r *Recorder) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}
	//1.- Write length-prefixed frames so tracedump can step through them efficiently.
	for _, frame := range r.pending {
		header := make([]byte, 8+8+4)
		binary.LittleEndian.PutUint64(header[0:8], uint64(frame.CapturedAt.UnixNano()))
		binary.BigEndian.PutUint64(header[8:16], math.Float64bits(frame.SeqNum))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := r.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := r.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	r.pending = r.pending[:0]
	return nil
}
