package realtime

import (
	"errors"
	"fmt"
	"sync"
)

type TrackKind string

const (
	TrackInput  TrackKind = "input"
	TrackOutput TrackKind = "output"
)

// Track is a media resource owned by a session: a microphone feed into the
// provider or a playback sink out of it.
type Track interface {
	ID() string
	Kind() TrackKind
	Stop() error
	Ended() bool
}

type MediaStopResult struct {
	Tracks       int
	Stopped      int
	AlreadyEnded int
}

// MediaArena records every track a session hands out, at acquisition time,
// so teardown can stop all of them without searching for them.
type MediaArena struct {
	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

func NewMediaArena() *MediaArena {
	return &MediaArena{}
}

// Acquire registers a track. A track acquired after StopAll is stopped
// immediately and ErrMediaStopped is returned.
func (a *MediaArena) Acquire(t Track) error {
	if t == nil {
		return errors.New("nil track")
	}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = t.Stop()
		return ErrMediaStopped
	}
	a.tracks = append(a.tracks, t)
	a.mu.Unlock()
	return nil
}

// StopAll stops every live track. It keeps going past individual failures
// and returns them joined.
func (a *MediaArena) StopAll() (MediaStopResult, error) {
	a.mu.Lock()
	a.stopped = true
	tracks := append([]Track(nil), a.tracks...)
	a.mu.Unlock()

	res := MediaStopResult{Tracks: len(tracks)}
	var errs []error
	for _, t := range tracks {
		if t.Ended() {
			res.AlreadyEnded++
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s track %s: %w", t.Kind(), t.ID(), err))
			continue
		}
		res.Stopped++
	}
	return res, errors.Join(errs...)
}

// Live counts tracks that have not ended.
func (a *MediaArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.tracks {
		if !t.Ended() {
			n++
		}
	}
	return n
}

// InputTrack forwards captured PCM to the provider until stopped.
type InputTrack struct {
	id   string
	send func(pcm []byte) error

	mu    sync.Mutex
	ended bool
}

func NewInputTrack(id string, send func(pcm []byte) error) *InputTrack {
	return &InputTrack{id: id, send: send}
}

func (t *InputTrack) ID() string      { return t.id }
func (t *InputTrack) Kind() TrackKind { return TrackInput }

func (t *InputTrack) Write(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return ErrMediaStopped
	}
	if len(pcm) == 0 {
		return nil
	}
	return t.send(pcm)
}

func (t *InputTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
	return nil
}

func (t *InputTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OutputTrack buffers assistant audio for a playback consumer. Audio that
// arrives while the buffer is full, or after Stop, is dropped.
type OutputTrack struct {
	id     string
	chunks chan []byte

	mu      sync.Mutex
	ended   bool
	dropped int
}

func NewOutputTrack(id string, buffer int) *OutputTrack {
	if buffer <= 0 {
		buffer = 64
	}
	return &OutputTrack{id: id, chunks: make(chan []byte, buffer)}
}

func (t *OutputTrack) ID() string      { return t.id }
func (t *OutputTrack) Kind() TrackKind { return TrackOutput }

// Chunks is closed when the track stops.
func (t *OutputTrack) Chunks() <-chan []byte { return t.chunks }

func (t *OutputTrack) Push(audio []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || len(audio) == 0 {
		return false
	}
	select {
	case t.chunks <- audio:
		return true
	default:
		t.dropped++
		return false
	}
}

func (t *OutputTrack) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *OutputTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return nil
	}
	t.ended = true
	close(t.chunks)
	return nil
}

func (t *OutputTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}
