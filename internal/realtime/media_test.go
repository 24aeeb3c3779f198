package realtime

import (
	"errors"
	"testing"
	"time"
)

type failingTrack struct {
	*InputTrack
}

func (f failingTrack) Stop() error { return errors.New("stuck") }

func TestMediaArenaStopsEveryTrackOnce(t *testing.T) {
	arena := NewMediaArena()
	in := NewInputTrack("mic", func([]byte) error { return nil })
	out := NewOutputTrack("speaker", 2)
	ended := NewOutputTrack("old", 1)
	_ = ended.Stop()

	for _, tr := range []Track{in, out, ended} {
		if err := arena.Acquire(tr); err != nil {
			t.Fatalf("Acquire(%s) error: %v", tr.ID(), err)
		}
	}
	if got := arena.Live(); got != 2 {
		t.Fatalf("Live = %d, want 2", got)
	}

	res, err := arena.StopAll()
	if err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	if res.Tracks != 3 || res.Stopped != 2 || res.AlreadyEnded != 1 {
		t.Fatalf("StopAll result = %+v", res)
	}
	if arena.Live() != 0 {
		t.Fatalf("tracks still live after StopAll")
	}

	res, err = arena.StopAll()
	if err != nil || res.Stopped != 0 || res.AlreadyEnded != 3 {
		t.Fatalf("second StopAll = %+v, %v", res, err)
	}
}

func TestMediaArenaCollectsStopErrors(t *testing.T) {
	arena := NewMediaArena()
	bad := failingTrack{NewInputTrack("bad", func([]byte) error { return nil })}
	good := NewOutputTrack("good", 1)
	_ = arena.Acquire(bad)
	_ = arena.Acquire(good)

	res, err := arena.StopAll()
	if err == nil {
		t.Fatalf("StopAll error = nil, want stuck track error")
	}
	if res.Stopped != 1 || !good.Ended() {
		t.Fatalf("good track not stopped after failure: %+v", res)
	}
}

func TestMediaArenaRejectsLateTracks(t *testing.T) {
	arena := NewMediaArena()
	if _, err := arena.StopAll(); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	late := NewOutputTrack("late", 1)
	if err := arena.Acquire(late); !errors.Is(err, ErrMediaStopped) {
		t.Fatalf("Acquire after StopAll err = %v, want ErrMediaStopped", err)
	}
	if !late.Ended() {
		t.Fatalf("late track left running")
	}
}

func TestOutputTrackDropsWhenFull(t *testing.T) {
	out := NewOutputTrack("speaker", 1)
	if !out.Push([]byte{1}) {
		t.Fatalf("first Push dropped")
	}
	if out.Push([]byte{2}) {
		t.Fatalf("Push into full buffer accepted")
	}
	if out.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", out.Dropped())
	}
	_ = out.Stop()
	if out.Push([]byte{3}) {
		t.Fatalf("Push after Stop accepted")
	}
	n := 0
	for range out.Chunks() {
		n++
	}
	if n != 1 {
		t.Fatalf("drained %d chunks, want 1", n)
	}
}

func TestActivityLogRing(t *testing.T) {
	log := newActivityLog(3)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if log.record(EventItemAdded, nil, now) {
		t.Fatalf("inactive log recorded an entry")
	}

	log.setActive(true)
	for i := 0; i < 5; i++ {
		log.record(EventOutputTextDelta, map[string]string{"i": string(rune('a' + i))}, now.Add(time.Duration(i)*time.Second))
	}
	snap := log.snapshot(now.Add(6 * time.Second))
	if snap.Total != 3 {
		t.Fatalf("Total = %d, want 3", snap.Total)
	}
	if snap.Recent[0].Detail["i"] != "c" || snap.Recent[2].Detail["i"] != "e" {
		t.Fatalf("ring order = %+v", snap.Recent)
	}
	if !snap.HasRecentActivity {
		t.Fatalf("HasRecentActivity = false, last entry 2s old")
	}
	if log.snapshot(now.Add(20 * time.Second)).HasRecentActivity {
		t.Fatalf("HasRecentActivity = true for 16s old entry")
	}

	log.setActive(false)
	snap = log.snapshot(now.Add(6 * time.Second))
	if snap.Active || !snap.LastActivity.IsZero() {
		t.Fatalf("inactive snapshot = %+v", snap)
	}
}

func TestActivityRecentIsCapped(t *testing.T) {
	log := newActivityLog(0)
	log.setActive(true)
	now := time.Now()
	for i := 0; i < 25; i++ {
		log.record(EventOutputTextDelta, nil, now)
	}
	snap := log.snapshot(now)
	if snap.Total != 25 || len(snap.Recent) != activityRecentEntries {
		t.Fatalf("Total=%d len(Recent)=%d", snap.Total, len(snap.Recent))
	}
}
