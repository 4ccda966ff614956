//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// MuxRequest describes one final assembly, mixing the dubbed voice with the
// background track over the source video stream.
type MuxRequest struct {
	VideoPath        string
	VoicePath        string
	BackgroundPath   string
	SubtitlePath     string
	OutputPath       string
	VoiceVolume      float64
	BackgroundVolume float64
	// burn renders subtitles into pixels, soft muxes a subtitle stream,
	// none omits them.
	SubtitleMode string
}

// VideoMuxer extracts source audio and assembles the final dubbed video
// with ffmpeg.
type VideoMuxer struct {
}

func NewVideoMuxer() *VideoMuxer {
	return &VideoMuxer{}
}

// ExtractAudio demuxes the source audio to a mono wav for separation and ASR.
func (v *VideoMuxer) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	if err := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vn", "-c:a", "pcm_s16le", "-ac", "1", "-ar", "44100",
		"-y", audioPath,
	).Run(); err != nil {
		return errors.Wrapf(err, "extract audio %v to %v", videoPath, audioPath)
	}

	if _, err := os.Stat(audioPath); err != nil {
		return errors.Wrapf(err, "no audio %v", audioPath)
	}
	return nil
}

func validateVolumes(voice, background float64) error {
	if voice < 0 || voice > 2 {
		return errors.Errorf("invalid voice volume %v, should be in [0, 2]", voice)
	}
	if background < 0 || background > 1 {
		return errors.Errorf("invalid background volume %v, should be in [0, 1]", background)
	}
	return nil
}

// buildAudioFilter builds the amix filter graph. Input 1 is the voice track,
// input 2 the background track when present.
func buildAudioFilter(voiceVolume, backgroundVolume float64, hasBackground bool) string {
	if !hasBackground {
		return fmt.Sprintf("[1:a]volume=%v[aout]", voiceVolume)
	}
	return fmt.Sprintf("[1:a]volume=%v[voice];[2:a]volume=%v[bgm];[voice][bgm]amix=inputs=2:duration=first[aout]",
		voiceVolume, backgroundVolume)
}

// Mux assembles the output video, replacing the source audio with the mixed
// dub and applying subtitles per the requested mode.
func (v *VideoMuxer) Mux(ctx context.Context, req *MuxRequest) error {
	if err := validateVolumes(req.VoiceVolume, req.BackgroundVolume); err != nil {
		return errors.Wrapf(err, "validate volumes")
	}
	if req.VideoPath == "" || req.VoicePath == "" || req.OutputPath == "" {
		return errors.Errorf("invalid mux request %v", req)
	}

	hasBackground := req.BackgroundPath != ""
	args := []string{"-i", req.VideoPath, "-i", req.VoicePath}
	if hasBackground {
		args = append(args, "-i", req.BackgroundPath)
	}

	subtitleInput := -1
	if req.SubtitlePath != "" && req.SubtitleMode == "soft" {
		subtitleInput = 2
		if hasBackground {
			subtitleInput = 3
		}
		args = append(args, "-i", req.SubtitlePath)
	}

	args = append(args, "-filter_complex", buildAudioFilter(req.VoiceVolume, req.BackgroundVolume, hasBackground))
	args = append(args, "-map", "0:v", "-map", "[aout]")

	switch {
	case req.SubtitlePath != "" && req.SubtitleMode == "burn":
		// Burning re-encodes the video stream.
		args = append(args, "-vf", fmt.Sprintf("subtitles=%v", req.SubtitlePath))
		args = append(args, "-c:v", "libx264", "-preset", "fast")
	case subtitleInput >= 0:
		args = append(args, "-map", fmt.Sprintf("%v:s", subtitleInput))
		args = append(args, "-c:v", "copy", "-c:s", "mov_text")
	default:
		args = append(args, "-c:v", "copy")
	}

	args = append(args, "-c:a", "aac", "-ac", "2", "-ar", "44100", "-ab", "120k")
	args = append(args, "-y", req.OutputPath)

	if err := exec.CommandContext(ctx, "ffmpeg", args...).Run(); err != nil {
		return errors.Wrapf(err, "mux ffmpeg %v", args)
	}

	if _, err := os.Stat(req.OutputPath); err != nil {
		return errors.Wrapf(err, "no output %v", req.OutputPath)
	}

	logger.Tf(ctx, "mux ok, video=%v, voice=%v, bgm=%v, subtitle=%v/%v, output=%v",
		req.VideoPath, req.VoicePath, req.BackgroundPath, req.SubtitleMode, req.SubtitlePath, req.OutputPath)
	return nil
}
