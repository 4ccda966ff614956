//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"os"
	"path"
	"strings"
	"testing"
)

func TestSubtitle_Timestamps(t *testing.T) {
	samples := []struct {
		seconds float64
		srt     string
		vtt     string
	}{
		{0, "00:00:00,000", "00:00:00.000"},
		{1.5, "00:00:01,500", "00:00:01.500"},
		{61.042, "00:01:01,042", "00:01:01.042"},
		{3661.999, "01:01:01,999", "01:01:01.999"},
		{-1, "00:00:00,000", "00:00:00.000"},
	}
	for _, sample := range samples {
		if ts := formatSRTTimestamp(sample.seconds); ts != sample.srt {
			t.Errorf("srt timestamp for %v is %v, expect %v", sample.seconds, ts, sample.srt)
		}
		if ts := formatVTTTimestamp(sample.seconds); ts != sample.vtt {
			t.Errorf("vtt timestamp for %v is %v, expect %v", sample.seconds, ts, sample.vtt)
		}
	}
}

func TestSubtitle_RenderSRT(t *testing.T) {
	segments := []*Segment{
		{ID: 0, Start: 0, End: 3, Text: "one", TranslatedText: "mot"},
		{ID: 1, Start: 3, End: 6, Text: "two"},
		{ID: 2, Start: 6, End: 7, Text: "   "},
		{ID: 3, Start: 7, End: 9, Text: "three", TranslatedText: "ba"},
	}

	outPath := path.Join(t.TempDir(), "out.srt")
	if err := NewSubtitleRenderer().Render(segments, "srt", outPath); err != nil {
		t.Fatalf("render err %+v", err)
	}

	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read err %+v", err)
	}
	content := string(b)

	// Translated text preferred, source text as fallback, blank skipped, and
	// numbering stays sequential across the skip.
	for _, expect := range []string{
		"1\n00:00:00,000 --> 00:00:03,000\nmot\n",
		"2\n00:00:03,000 --> 00:00:06,000\ntwo\n",
		"3\n00:00:07,000 --> 00:00:09,000\nba\n",
	} {
		if !strings.Contains(content, expect) {
			t.Errorf("missing entry %q in:\n%v", expect, content)
		}
	}
	if strings.Contains(content, "4\n") {
		t.Errorf("blank segment should be skipped:\n%v", content)
	}
}

func TestSubtitle_RenderVTT(t *testing.T) {
	segments := []*Segment{
		{ID: 0, Start: 0, End: 2.5, Text: "hello", TranslatedText: "xin chao"},
	}

	outPath := path.Join(t.TempDir(), "out.vtt")
	if err := NewSubtitleRenderer().Render(segments, "vtt", outPath); err != nil {
		t.Fatalf("render err %+v", err)
	}

	b, _ := os.ReadFile(outPath)
	content := string(b)
	if !strings.HasPrefix(content, "WEBVTT\n") {
		t.Errorf("vtt missing header:\n%v", content)
	}
	if !strings.Contains(content, "00:00:00.000 --> 00:00:02.500\nxin chao") {
		t.Errorf("vtt missing cue:\n%v", content)
	}
}

func TestSubtitle_RejectsUnknownFormat(t *testing.T) {
	segments := []*Segment{{Text: "x", End: 1}}
	if err := NewSubtitleRenderer().Render(segments, "ass", path.Join(t.TempDir(), "out.ass")); err == nil {
		t.Errorf("unknown format should fail")
	}
}

func TestSubtitle_RejectsEmpty(t *testing.T) {
	segments := []*Segment{{Text: "  "}}
	if err := NewSubtitleRenderer().Render(segments, "srt", path.Join(t.TempDir(), "out.srt")); err == nil {
		t.Errorf("no entries should fail")
	}
}
