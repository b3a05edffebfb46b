package service

import (
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
)

// PlayOption configures a single Play call. Channels ignore options that do
// not apply to them.
type PlayOption func(*playRequest)

type playRequest struct {
	source     string
	volume     *float64
	loop       *bool
	fade       time.Duration
	repeat     domain.LoopCount
	delay      func() time.Duration
	speaker    string
	interrupt  domain.Interrupt
	completion func()
}

func newPlayRequest(opts []PlayOption) playRequest {
	req := playRequest{
		repeat:    1,
		speaker:   domain.DefaultSpeaker,
		interrupt: domain.InterruptAll,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

func (r playRequest) volumeOr(def float64) float64 {
	if r.volume == nil {
		return def
	}
	return clampVolume(*r.volume)
}

func (r playRequest) delayFor() time.Duration {
	if r.delay == nil {
		return 0
	}
	return r.delay()
}

// WithSource selects the music track to switch to.
func WithSource(source string) PlayOption {
	return func(r *playRequest) { r.source = source }
}

// WithVolume sets the target volume, clamped to [0,1].
func WithVolume(volume float64) PlayOption {
	return func(r *playRequest) { r.volume = &volume }
}

// WithLoop sets the music loop flag.
func WithLoop(loop bool) PlayOption {
	return func(r *playRequest) { r.loop = &loop }
}

// WithFade sets the music crossfade duration.
func WithFade(d time.Duration) PlayOption {
	return func(r *playRequest) { r.fade = d }
}

// WithRepeat sets how many times an effect plays back to back.
// Use domain.LoopInfinite to loop until stopped. Values below 1 mean 1.
func WithRepeat(count domain.LoopCount) PlayOption {
	return func(r *playRequest) { r.repeat = count }
}

// WithDelay postpones an effect.
func WithDelay(d time.Duration) PlayOption {
	return func(r *playRequest) { r.delay = func() time.Duration { return d } }
}

// WithDelayFunc postpones an effect by a delay computed at call time,
// e.g. a random stagger.
func WithDelayFunc(fn func() time.Duration) PlayOption {
	return func(r *playRequest) { r.delay = fn }
}

// WithSpeaker tags a voice line with its speaker.
func WithSpeaker(speaker string) PlayOption {
	return func(r *playRequest) {
		if speaker != "" {
			r.speaker = speaker
		}
	}
}

// WithInterrupt selects what a voice line silences before it starts.
func WithInterrupt(policy domain.Interrupt) PlayOption {
	return func(r *playRequest) { r.interrupt = policy }
}

// WithCompletion registers a callback run once when the voice line ends,
// fails or is stopped.
func WithCompletion(fn func()) PlayOption {
	return func(r *playRequest) { r.completion = fn }
}
