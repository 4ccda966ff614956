//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"math"
	"strings"
	"testing"
)

// Each chunk stays under the 25MB upload limit at the intermediate bitrate.
func TestTranscribe_ChunkSeconds(t *testing.T) {
	seconds := asrChunkSeconds(asrInputBitrate)
	if seconds != 699 {
		t.Errorf("chunk seconds %v, expect 699", seconds)
	}
	if float64(seconds)*asrInputBitrate/8 >= 25*1024*1024 {
		t.Errorf("chunk of %vs exceeds the upload limit", seconds)
	}
}

func TestTranscribe_SynthesizeSegments(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("word ", 30))
	segments := synthesizeSegments(text, 60)

	// 30 words in chunks of 12 makes 3 segments of 12, 12 and 6 words.
	if len(segments) != 3 {
		t.Fatalf("got %v segments, expect 3", len(segments))
	}

	// Boundaries are proportional to word count and cover the whole duration.
	if segments[0].Start != 0 {
		t.Errorf("first segment starts at %v", segments[0].Start)
	}
	if math.Abs(segments[len(segments)-1].End-60) > 0.001 {
		t.Errorf("last segment ends at %v, expect 60", segments[len(segments)-1].End)
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Start != segments[i-1].End {
			t.Errorf("segment %v starts at %v, previous ends at %v", i, segments[i].Start, segments[i-1].End)
		}
	}
	if words := strings.Fields(segments[2].Text); len(words) != 6 {
		t.Errorf("last segment has %v words, expect 6", len(words))
	}
}

func TestTranscribe_SynthesizeSegmentsEmpty(t *testing.T) {
	if segments := synthesizeSegments("", 60); segments != nil {
		t.Errorf("empty text should yield nil, got %v", segments)
	}
	if segments := synthesizeSegments("hello", 0); segments != nil {
		t.Errorf("zero duration should yield nil, got %v", segments)
	}
}

func TestTranscribe_SegmentDuration(t *testing.T) {
	s := &Segment{Start: 1.5, End: 4.25}
	if d := s.Duration(); math.Abs(d-2.75) > 0.001 {
		t.Errorf("duration %v, expect 2.75", d)
	}
}
