// Package ebiten provides an Ebitengine audio adapter implementing the Decoder
// and Resource ports.
//
// Sources are paths inside an fs.FS. Ogg Vorbis, WAV and MP3 are supported.
// Each instance gets its own *audio.Player; a monitor goroutine watches the
// players and reports natural ends, rewinding the ones that loop.
package ebiten

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/audio/mp3"
	"github.com/hajimehoshi/ebiten/v2/audio/vorbis"
	ebitenwav "github.com/hajimehoshi/ebiten/v2/audio/wav"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
)

// DefaultPollInterval is how often the monitor checks for finished players.
const DefaultPollInterval = 10 * time.Millisecond

// bytesPerFrame is 16-bit stereo, the format of every decoded stream.
const bytesPerFrame = 4

// Supported source formats.
const (
	formatOgg = "ogg"
	formatWav = "wav"
	formatMP3 = "mp3"
)

// pcmStream is what the ebiten decoders return.
type pcmStream interface {
	io.ReadSeeker
	Length() int64
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the decoder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPollInterval sets how often players are checked for their end.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Decoder) {
		if interval > 0 {
			d.poll = interval
		}
	}
}

// Decoder loads sources from a file system into ebiten players.
//
// Thread-safety: This implementation is thread-safe.
type Decoder struct {
	logger *slog.Logger
	ctx    *audio.Context
	fsys   fs.FS
	poll   time.Duration

	mu        sync.Mutex
	resources map[*Resource]struct{}
	closed    bool

	nextID atomic.Int64
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewDecoder creates a decoder playing through ctx and starts its monitor.
// Call Close to stop the monitor.
func NewDecoder(ctx *audio.Context, fsys fs.FS, opts ...Option) *Decoder {
	d := &Decoder{
		logger:    slog.New(slog.DiscardHandler),
		ctx:       ctx,
		fsys:      fsys,
		poll:      DefaultPollInterval,
		resources: make(map[*Resource]struct{}),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("engine", "ebiten"))

	d.wg.Add(1)
	go d.monitor()
	return d
}

// Decode starts loading source in the background. The returned resource is
// in StateLoading until the file is read and decoded.
//
// Streaming resources keep the encoded bytes and decode per instance, which
// suits long music. Otherwise the source is decoded to PCM once and shared by
// every instance.
func (d *Decoder) Decode(source string, streaming bool) (ports.Resource, error) {
	if strings.TrimSpace(source) == "" {
		return nil, domain.ErrInvalidSource
	}
	format, err := formatOf(source)
	if err != nil {
		return nil, domain.NewAudioEngineError("decode", source, err.Error(), domain.ErrUnsupportedFormat)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, domain.NewAudioEngineError("decode", source, "decoder closed", domain.ErrEngineDestroyed)
	}
	r := newResource(d, source, format, streaming)
	d.resources[r] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		r.load()
	}()
	return r, nil
}

// Close stops the monitor, waits for pending loads and unloads every resource.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	for _, r := range d.snapshot() {
		r.Unload()
	}
	return nil
}

func (d *Decoder) monitor() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			for _, r := range d.snapshot() {
				r.poll()
			}
		}
	}
}

func (d *Decoder) snapshot() []*Resource {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Resource, 0, len(d.resources))
	for r := range d.resources {
		out = append(out, r)
	}
	return out
}

func (d *Decoder) forget(r *Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.resources, r)
}

func (d *Decoder) allocateID() domain.InstanceID {
	return domain.InstanceID(d.nextID.Add(1))
}

func (d *Decoder) sampleRate() int {
	return d.ctx.SampleRate()
}

// formatOf returns the format named by the source extension.
func formatOf(source string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(source), "."))
	switch ext {
	case formatOgg, "oga":
		return formatOgg, nil
	case formatWav, "wave":
		return formatWav, nil
	case formatMP3:
		return formatMP3, nil
	}
	return "", fmt.Errorf("unsupported extension %q", ext)
}

// decodeStream decodes encoded bytes to a 16-bit stereo stream at sampleRate.
func decodeStream(format string, sampleRate int, data []byte) (pcmStream, error) {
	var (
		stream pcmStream
		err    error
	)
	src := bytes.NewReader(data)
	switch format {
	case formatOgg:
		stream, err = vorbis.DecodeWithSampleRate(sampleRate, src)
	case formatWav:
		stream, err = ebitenwav.DecodeWithSampleRate(sampleRate, src)
	case formatMP3:
		stream, err = mp3.DecodeWithSampleRate(sampleRate, src)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	return stream, nil
}

// streamDuration converts a decoded stream length in bytes to a duration.
func streamDuration(length int64, sampleRate int) time.Duration {
	if length <= 0 || sampleRate <= 0 {
		return 0
	}
	frames := length / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// Verify that Decoder implements the Decoder interface
var _ ports.Decoder = (*Decoder)(nil)
