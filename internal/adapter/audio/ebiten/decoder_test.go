package ebiten

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
	"github.com/tinystage/stageaudio/internal/testutil"
)

// silentWAV builds a 16-bit stereo PCM file of the given length.
func silentWAV(sampleRate int, length time.Duration) []byte {
	const channels, bits = 2, 16
	blockAlign := channels * bits / 8
	byteRate := sampleRate * blockAlign
	dataSize := int(int64(byteRate) * int64(length) / int64(time.Second))

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

// waitState polls until the resource leaves StateLoading.
func waitState(t *testing.T, res ports.Resource) domain.LoadState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := res.State(); s != domain.StateLoading {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("resource still loading")
	return domain.StateLoading
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		source string
		want   string
		ok     bool
	}{
		{"music/theme.ogg", formatOgg, true},
		{"music/THEME.OGA", formatOgg, true},
		{"sfx/hit.wav", formatWav, true},
		{"voice/line.mp3", formatMP3, true},
		{"music/song.xm", "", false},
		{"noext", "", false},
	}

	for _, tt := range tests {
		got, err := formatOf(tt.source)
		if (err == nil) != tt.ok {
			t.Errorf("formatOf(%q) error = %v, want ok=%v", tt.source, err, tt.ok)
		}
		if got != tt.want {
			t.Errorf("formatOf(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestStreamDuration(t *testing.T) {
	if got := streamDuration(44100*bytesPerFrame, 44100); got != time.Second {
		t.Errorf("Expected 1s, got %s", got)
	}
	if got := streamDuration(48000*bytesPerFrame/2, 48000); got != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %s", got)
	}
	if got := streamDuration(-1, 44100); got != 0 {
		t.Errorf("Expected 0 for unknown length, got %s", got)
	}
}

func TestEffectiveVolume(t *testing.T) {
	if v := effectiveVolume(0.7, false); v != 0.7 {
		t.Errorf("Expected 0.7, got %f", v)
	}
	if v := effectiveVolume(0.7, true); v != 0 {
		t.Errorf("Expected muted volume 0, got %f", v)
	}
}

func TestWAVDuration(t *testing.T) {
	d, err := wavDuration(silentWAV(8000, time.Second))
	if err != nil {
		t.Fatalf("wavDuration failed: %v", err)
	}
	if d != time.Second {
		t.Errorf("Expected 1s, got %s", d)
	}

	if _, err := wavDuration([]byte("definitely not audio")); err == nil {
		t.Error("Expected an error for garbage input")
	}
}

func TestReadTrackInfoUntagged(t *testing.T) {
	info := readTrackInfo("sfx/door_open.wav", formatWav, silentWAV(8000, 2*time.Second))

	if info.Title != "door_open" {
		t.Errorf("Expected title from file name, got %q", info.Title)
	}
	if info.Format != formatWav {
		t.Errorf("Expected wav format, got %q", info.Format)
	}
	if info.Duration != 2*time.Second {
		t.Errorf("Expected 2s, got %s", info.Duration)
	}
}

func TestDecodeRejects(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	dec := NewDecoder(nil, fstest.MapFS{})
	defer dec.Close()

	if _, err := dec.Decode(" ", false); !errors.Is(err, domain.ErrInvalidSource) {
		t.Errorf("Expected ErrInvalidSource, got %v", err)
	}
	if _, err := dec.Decode("music/song.xm", true); !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestLoadFailures(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	fsys := fstest.MapFS{
		"sfx/bad.wav": &fstest.MapFile{Data: []byte("RIFX garbage")},
	}
	dec := NewDecoder(nil, fsys, WithPollInterval(time.Millisecond), WithLogger(testutil.DiscardLogger()))
	defer dec.Close()

	for _, source := range []string{"music/missing.ogg", "sfx/bad.wav"} {
		res, err := dec.Decode(source, false)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", source, err)
		}

		loadErrs := make(chan error, 1)
		sub := res.OnLoadError(func(err error) {
			select {
			case loadErrs <- err:
			default:
			}
		})

		if state := waitState(t, res); state != domain.StateFailed {
			t.Errorf("%s: expected failed, got %s", source, state)
		}
		sub.Unsubscribe()

		// The handler can miss the event when loading fails before it is registered.
		select {
		case err := <-loadErrs:
			if !errors.Is(err, domain.ErrLoadFailed) {
				t.Errorf("%s: expected ErrLoadFailed, got %v", source, err)
			}
		case <-time.After(50 * time.Millisecond):
		}
		if _, err := res.Play(); !errors.Is(err, domain.ErrPlayRejected) {
			t.Errorf("%s: expected play to be rejected, got %v", source, err)
		}
		if _, ok := res.(ports.MetadataProvider).Metadata(); ok {
			t.Errorf("%s: failed resources have no metadata", source)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	dec := NewDecoder(nil, fstest.MapFS{})
	if err := dec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := dec.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if _, err := dec.Decode("a.ogg", false); !errors.Is(err, domain.ErrEngineDestroyed) {
		t.Errorf("Expected ErrEngineDestroyed after Close, got %v", err)
	}
}
