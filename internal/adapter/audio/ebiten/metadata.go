package ebiten

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dhowden/tag"
	gowav "github.com/go-audio/wav"

	"github.com/tinystage/stageaudio/internal/domain"
)

var errInvalidWAV = errors.New("not a valid wav file")

// wavDuration checks the RIFF header and returns the duration it declares.
func wavDuration(data []byte) (time.Duration, error) {
	dec := gowav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errInvalidWAV
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	return d, nil
}

// readTrackInfo extracts tags from encoded bytes.
// Untagged sources are titled after their file name.
func readTrackInfo(source, format string, data []byte) domain.TrackInfo {
	base := path.Base(source)
	info := domain.TrackInfo{
		Source: source,
		Title:  strings.TrimSuffix(base, path.Ext(base)),
		Format: format,
	}

	if format == formatWav {
		if d, err := wavDuration(data); err == nil {
			info.Duration = d
		}
	}

	m, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return info
	}
	if title := strings.TrimSpace(m.Title()); title != "" {
		info.Title = title
	}
	info.Artist = strings.TrimSpace(m.Artist())
	info.Album = strings.TrimSpace(m.Album())
	return info
}
