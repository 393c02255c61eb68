// Package framelog records raw bus traffic to disk as a stream of CBOR
// records for later replay and analysis.
package framelog

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/automotive-pi/canbridge/internal/canbus"
)

// Record is one captured frame.
type Record struct {
	Micros   int64   `cbor:"ts"` // capture time, Unix microseconds
	ID       uint32  `cbor:"id"`
	Extended bool    `cbor:"ext,omitempty"`
	Remote   bool    `cbor:"rtr,omitempty"`
	Error    bool    `cbor:"err,omitempty"`
	Length   uint8   `cbor:"dlc"`
	Data     []byte  `cbor:"data"`
}

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Rotate after 500k frames (~17 min of a busy 500 kbit/s bus).
const maxRecordsPerFile = 500_000

// Recorder writes capture files with automatic rotation.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file    *os.File
	enc     *cbor.Encoder
	records int
}

// New creates a Recorder.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/canbridge"
	}
	return &Recorder{dir: cfg.Path, enabled: cfg.Enabled}
}

// Record appends one frame to the current capture file.
func (r *Recorder) Record(f canbus.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	if r.enc == nil || r.records >= maxRecordsPerFile {
		if err := r.rotate(); err != nil {
			log.Printf("[framelog] rotate failed: %v", err)
			return
		}
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		Micros:   ts.UnixMicro(),
		ID:       f.ID,
		Extended: f.Extended,
		Remote:   f.Remote,
		Error:    f.Error,
		Length:   f.Length,
		Data:     append([]byte(nil), f.Data[:f.Length]...),
	}
	if err := r.enc.Encode(rec); err != nil {
		log.Printf("[framelog] write failed: %v", err)
		return
	}
	r.records++
}

// Close flushes and closes the current capture file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotate() error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	name := fmt.Sprintf("canbridge_%s.cbor", time.Now().Format("2006-01-02_150405"))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.enc = cbor.NewEncoder(f)
	r.records = 0

	log.Printf("[framelog] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.enc = nil
	}
}

// ReadFile loads every record from a capture file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	dec := cbor.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, rec)
	}
}

// Frame converts a record back into a bus frame.
func (rec Record) Frame() canbus.Frame {
	f := canbus.Frame{
		ID:        rec.ID,
		Extended:  rec.Extended,
		Remote:    rec.Remote,
		Error:     rec.Error,
		Length:    rec.Length,
		Timestamp: time.UnixMicro(rec.Micros),
	}
	copy(f.Data[:], rec.Data)
	return f
}
