//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ossrs/go-oryx-lib/errors"
)

// SubtitleRenderer writes segment text as SRT or WebVTT files, preferring the
// translated text and falling back to the source text.
type SubtitleRenderer struct {
}

func NewSubtitleRenderer() *SubtitleRenderer {
	return &SubtitleRenderer{}
}

func (v *SubtitleRenderer) Render(segments []*Segment, format, outPath string) error {
	var sb strings.Builder

	switch format {
	case "srt":
	case "vtt":
		sb.WriteString("WEBVTT\n\n")
	default:
		return errors.Errorf("unknown subtitle format %v", format)
	}

	index := 0
	for _, segment := range segments {
		text := segment.TranslatedText
		if text == "" {
			text = segment.Text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		index++
		sb.WriteString(fmt.Sprintf("%v\n", index))
		if format == "srt" {
			sb.WriteString(fmt.Sprintf("%v --> %v\n", formatSRTTimestamp(segment.Start), formatSRTTimestamp(segment.End)))
		} else {
			sb.WriteString(fmt.Sprintf("%v --> %v\n", formatVTTTimestamp(segment.Start), formatVTTTimestamp(segment.End)))
		}
		sb.WriteString(strings.TrimSpace(text))
		sb.WriteString("\n\n")
	}

	if index == 0 {
		return errors.Errorf("no subtitle entries of %v segments", len(segments))
	}

	if err := os.WriteFile(outPath, []byte(sb.String()), 0644); err != nil {
		return errors.Wrapf(err, "write %v", outPath)
	}
	return nil
}

// formatSRTTimestamp renders seconds as HH:MM:SS,mmm.
func formatSRTTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ",")
}

// formatVTTTimestamp renders seconds as HH:MM:SS.mmm.
func formatVTTTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ".")
}

func formatTimestamp(seconds float64, msSep string) string {
	if seconds < 0 {
		seconds = 0
	}

	millis := int64(seconds*1000 + 0.5)
	hh := millis / 3600000
	mm := millis % 3600000 / 60000
	ss := millis % 60000 / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d%v%03d", hh, mm, ss, msSep, ms)
}
