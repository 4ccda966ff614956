//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"math"
	"path"
	"testing"
)

func TestTTS_SilentWavRoundtrip(t *testing.T) {
	p := path.Join(t.TempDir(), "silent.wav")
	if err := writeSilentWav(p, 1.5, 16000); err != nil {
		t.Fatalf("write silent wav err %+v", err)
	}

	duration, sampleRate, err := wavFileInfo(p)
	if err != nil {
		t.Fatalf("wav info err %+v", err)
	}
	if sampleRate != 16000 {
		t.Errorf("sample rate %v, expect 16000", sampleRate)
	}
	if math.Abs(duration-1.5) > 0.01 {
		t.Errorf("duration %v, expect about 1.5", duration)
	}
}

// Three 1s clips at 0s, 3s and 6s must produce a track of at least 7s, with
// silence filling the gaps between the clips.
func TestTTS_ConcatenateAlignsToTimeline(t *testing.T) {
	workDir := t.TempDir()

	segments := []*Segment{
		{ID: 0, Start: 0, End: 3, UUID: "a"},
		{ID: 1, Start: 3, End: 6, UUID: "b"},
		{ID: 2, Start: 6, End: 7, UUID: "c"},
	}
	clips := make(map[string]string)
	for _, s := range segments {
		clip := path.Join(workDir, s.UUID+".wav")
		if err := writeSilentWav(clip, 1.0, ttsSampleRate); err != nil {
			t.Fatalf("write clip err %+v", err)
		}
		clips[s.UUID] = clip
	}

	synth := NewSpeechSynthesizer(&Config{})
	outPath := path.Join(workDir, "track.wav")
	duration, err := synth.concatenateClips(context.Background(), segments, clips, outPath)
	if err != nil {
		t.Fatalf("concatenate err %+v", err)
	}

	// Clip 1 ends at 1s, silence to 3s, clip 2 ends at 4s, silence to 6s,
	// clip 3 ends at 7s.
	if math.Abs(duration-7.0) > 0.05 {
		t.Errorf("track duration %v, expect about 7", duration)
	}

	fileDuration, sampleRate, err := wavFileInfo(outPath)
	if err != nil {
		t.Fatalf("wav info err %+v", err)
	}
	if sampleRate != ttsSampleRate {
		t.Errorf("sample rate %v, expect %v", sampleRate, ttsSampleRate)
	}
	if math.Abs(fileDuration-7.0) > 0.05 {
		t.Errorf("file duration %v, expect about 7", fileDuration)
	}
}

// A wav clip not at the track rate, like the 22.05kHz wavs espeak-ng writes,
// must be converted before it is appended, or the track timeline collapses.
func TestTTS_ClipNeedsConversion(t *testing.T) {
	workDir := t.TempDir()

	trackRate := path.Join(workDir, "track-rate.wav")
	if err := writeSilentWav(trackRate, 1.0, ttsSampleRate); err != nil {
		t.Fatalf("write clip err %+v", err)
	}
	lowRate := path.Join(workDir, "low-rate.wav")
	if err := writeSilentWav(lowRate, 1.0, 8000); err != nil {
		t.Fatalf("write clip err %+v", err)
	}

	for _, c := range []struct {
		clip   string
		expect bool
	}{
		{trackRate, false},
		{lowRate, true},
		{path.Join(workDir, "clip.mp3"), true},
		{path.Join(workDir, "clip.aac"), true},
	} {
		convert, err := clipNeedsConversion(c.clip)
		if err != nil {
			t.Fatalf("clip %v err %+v", c.clip, err)
		}
		if convert != c.expect {
			t.Errorf("clip %v convert %v, expect %v", c.clip, convert, c.expect)
		}
	}
}

// A clip longer than its segment slot pushes the cursor forward, the following
// segment starts late instead of overlapping.
func TestTTS_ConcatenateToleratesOverrun(t *testing.T) {
	workDir := t.TempDir()

	segments := []*Segment{
		{ID: 0, Start: 0, End: 1, UUID: "a"},
		{ID: 1, Start: 1, End: 2, UUID: "b"},
	}
	clips := make(map[string]string)
	for uuid, clipDuration := range map[string]float64{"a": 2.0, "b": 1.0} {
		clip := path.Join(workDir, uuid+".wav")
		if err := writeSilentWav(clip, clipDuration, ttsSampleRate); err != nil {
			t.Fatalf("write clip err %+v", err)
		}
		clips[uuid] = clip
	}

	synth := NewSpeechSynthesizer(&Config{})
	duration, err := synth.concatenateClips(context.Background(), segments, clips, path.Join(workDir, "track.wav"))
	if err != nil {
		t.Fatalf("concatenate err %+v", err)
	}

	if math.Abs(duration-3.0) > 0.05 {
		t.Errorf("track duration %v, expect about 3", duration)
	}
}
