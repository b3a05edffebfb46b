// Package mock provides an in-memory implementation of the Decoder and Resource ports.
// It is used for testing channels without a real audio device.
package mock

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
)

// firstInstanceID is where the mock starts numbering instances.
// Real backends never hand out GlobalInstance, so neither does the mock.
const firstInstanceID = 1000

// Decoder is a mock implementation of the Decoder interface.
// It simulates loading in memory and lets tests drive every lifecycle edge.
//
// By default resources load synchronously inside Decode. Call SetAutoLoad(false)
// to keep them in StateLoading until the test calls CompleteLoad or FailLoad.
//
// Thread-safety: This implementation is thread-safe.
type Decoder struct {
	// Dependencies
	logger *slog.Logger

	mu        sync.RWMutex
	resources map[string]*Resource
	decodes   map[string]int

	// Behavior configuration (for testing error scenarios)
	autoLoad   bool
	failDecode bool
	failLoad   bool
	failPlay   bool

	nextID atomic.Int64
}

// NewDecoder creates a new mock decoder.
func NewDecoder() *Decoder {
	d := &Decoder{
		resources: make(map[string]*Resource),
		decodes:   make(map[string]int),
		autoLoad:  true,
	}
	d.nextID.Store(firstInstanceID - 1)
	return d
}

// SetLogger sets the logger for this decoder.
// This should be called after construction before using the decoder.
func (d *Decoder) SetLogger(logger *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// SetAutoLoad controls whether Decode finishes loading before it returns.
func (d *Decoder) SetAutoLoad(auto bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoLoad = auto
}

// SetFailDecode configures the mock to reject Decode calls (for testing).
func (d *Decoder) SetFailDecode(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDecode = fail
}

// SetFailLoad configures auto-loaded resources to fail instead of loading (for testing).
func (d *Decoder) SetFailLoad(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLoad = fail
}

// SetFailPlay configures every resource to refuse Play (for testing).
func (d *Decoder) SetFailPlay(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPlay = fail
}

// Decode creates a mock resource for the source.
func (d *Decoder) Decode(source string, streaming bool) (ports.Resource, error) {
	if strings.TrimSpace(source) == "" {
		return nil, domain.ErrInvalidSource
	}

	d.mu.Lock()
	if d.failDecode {
		d.mu.Unlock()
		return nil, domain.NewAudioEngineError("decode", source, "mock decode failed", domain.ErrUnsupportedFormat)
	}

	res := newResource(d, source, streaming)
	d.resources[source] = res
	d.decodes[source]++
	autoLoad, failLoad, logger := d.autoLoad, d.failLoad, d.logger
	d.mu.Unlock()

	if logger != nil {
		logger.Debug("mock decode", slog.String("source", source), slog.Bool("streaming", streaming))
	}

	if autoLoad {
		if failLoad {
			res.FailLoad(fmt.Errorf("mock load failed for %s", source))
		} else {
			res.CompleteLoad()
		}
	}
	return res, nil
}

// Resource returns the most recent resource decoded for source, or nil.
func (d *Decoder) Resource(source string) *Resource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resources[source]
}

// DecodeCount returns how many times source has been decoded.
func (d *Decoder) DecodeCount(source string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.decodes[source]
}

func (d *Decoder) playRejected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.failPlay
}

func (d *Decoder) allocateID() domain.InstanceID {
	return domain.InstanceID(d.nextID.Add(1))
}

// Verify that Decoder implements the Decoder interface
var _ ports.Decoder = (*Decoder)(nil)
