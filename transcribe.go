//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/sashabaranov/go-openai"
)

// The default diarization tag when the backend reports no speakers.
const defaultSpeaker = "SPEAKER_00"

// The bitrate for the intermediate ASR audio, in bps.
const asrInputBitrate = 30 * 1000

// The chunk length in seconds that keeps each ASR upload under the 25MB
// API limit at the given bitrate, with headroom for container overhead.
func asrChunkSeconds(bitrate float64) int {
	return int(25*1024*1024*8/bitrate) / 10
}

// Segment is a timestamped unit of transcribed text, created by speech
// recognition, enriched in place by translation, consumed by TTS and
// subtitle generation.
type Segment struct {
	// The segment index in chronological order.
	ID int `json:"id"`
	// The start and end time in seconds, end >= start.
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// The source language text, never mutated after transcription.
	Text string `json:"text"`
	// The target language text, stamped by translation.
	TranslatedText string `json:"translated_text,omitempty"`
	// The diarization tag, defaultSpeaker when unavailable.
	Speaker string `json:"speaker"`
	// Best effort detected source language.
	Language string `json:"language,omitempty"`
	// Annotation for per-segment degraded handling, never fatal by itself.
	Error string `json:"error,omitempty"`
	// The UUID generated by system.
	UUID string `json:"uuid"`
}

func (v *Segment) Duration() float64 {
	return v.End - v.Start
}

// TranscribeResult is the ordered segment sequence of one audio track.
type TranscribeResult struct {
	Language string     `json:"language"`
	Duration float64    `json:"duration"`
	Text     string     `json:"text"`
	Segments []*Segment `json:"segments"`
}

// SpeechTranscriber converts a vocals track to timestamped text segments.
type SpeechTranscriber struct {
	conf     *Config
	registry *MethodRegistry
	engines  *engineManager
}

func NewSpeechTranscriber(conf *Config) *SpeechTranscriber {
	v := &SpeechTranscriber{conf: conf}

	v.engines = newEngineManager(conf.EngineDevice, conf.EngineParallel,
		func(ctx context.Context, variant string) error {
			if _, err := os.Stat(conf.WhisperModel); err != nil {
				return errors.Wrapf(err, "whisper model %v", conf.WhisperModel)
			}
			return nil
		},
		nil,
	)

	v.registry = NewMethodRegistry("transcription")
	v.registry.Register("whisper_api", func(ctx context.Context) bool {
		return conf.OpenAIKey != ""
	})
	v.registry.Register("whisper_cpp", func(ctx context.Context) bool {
		if _, err := exec.LookPath(conf.WhisperBin); err != nil {
			return false
		}
		_, err := os.Stat(conf.WhisperModel)
		return err == nil
	})
	v.registry.SetFallbacks("whisper_api", conf.ASRFallbacks...)
	v.registry.SetFallbacks("whisper_cpp", conf.ASRFallbacks...)

	return v
}

func (v *SpeechTranscriber) Capability(ctx context.Context) *StageCapability {
	return v.registry.Capability(ctx)
}

// ValidateAudio is the input predicate for transcription.
func (v *SpeechTranscriber) ValidateAudio(audioPath string) error {
	if _, err := os.Stat(audioPath); err != nil {
		return errors.Wrapf(err, "stat %v", audioPath)
	}
	return nil
}

// Transcribe converts audioPath to the ordered segment sequence. When the
// backend yields text without usable per-segment timing, approximate
// boundaries are synthesized from the total duration so downstream subtitle
// and TTS phases remain functional.
func (v *SpeechTranscriber) Transcribe(ctx context.Context, audioPath string, opts *ProcessingOptions) (*TranscribeResult, error) {
	if err := v.ValidateAudio(audioPath); err != nil {
		return nil, errors.Wrapf(err, "validate %v", audioPath)
	}

	var result *TranscribeResult
	attempted, err := v.registry.Execute(ctx, opts.ASRMethod, func(ctx context.Context, method string) error {
		var err error
		switch method {
		case "whisper_api":
			result, err = v.transcribeWithAPI(ctx, audioPath, opts)
		case "whisper_cpp":
			err = v.engines.WithEngine(ctx, v.conf.WhisperModel, func(ctx context.Context) error {
				var err error
				result, err = v.transcribeWithWhisperCpp(ctx, audioPath, opts)
				return err
			})
		default:
			err = errors.Errorf("unknown transcription method %v", method)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "transcribe %v, attempted %v", audioPath, attempted)
	}

	// A single zero-duration segment starves subtitles and TTS of timing,
	// synthesize approximate boundaries from the whole duration instead.
	if len(result.Segments) == 0 || (len(result.Segments) == 1 && result.Segments[0].Duration() <= 0) {
		if result.Text != "" && result.Duration > 0 {
			result.Segments = synthesizeSegments(result.Text, result.Duration)
			logger.Wf(ctx, "transcribe: no per-segment timing, synthesized %v segments", len(result.Segments))
		}
	}

	for i, s := range result.Segments {
		s.ID = i
		if s.Speaker == "" {
			s.Speaker = defaultSpeaker
		}
		if s.UUID == "" {
			s.UUID = uuid.NewString()
		}
	}

	logger.Tf(ctx, "transcribe ok, lang=%v, duration=%.1f, segments=%v, attempted=%v",
		result.Language, result.Duration, len(result.Segments), attempted)
	return result, nil
}

// transcribeWithAPI uses the OpenAI transcription service. Each request is
// limited to 25MB, so the input is re-encoded at a known bitrate and split
// into chunks, see https://platform.openai.com/docs/guides/speech-to-text
func (v *SpeechTranscriber) transcribeWithAPI(ctx context.Context, audioPath string, opts *ProcessingOptions) (*TranscribeResult, error) {
	workDir := path.Dir(audioPath)

	asrInputAudio := path.Join(workDir, fmt.Sprintf("asr-%v.m4a", uuid.NewString()))
	if err := exec.CommandContext(ctx, "ffmpeg",
		"-i", audioPath,
		"-vn", "-c:a", "aac", "-ac", "1", "-ar", "16000", "-ab", fmt.Sprintf("%v", asrInputBitrate),
		"-y", asrInputAudio,
	).Run(); err != nil {
		return nil, errors.Wrapf(err, "convert %v to asr input %v", audioPath, asrInputAudio)
	}
	defer os.Remove(asrInputAudio)

	format, _, _, err := FFprobeFileFormat(ctx, asrInputAudio)
	if err != nil {
		return nil, errors.Wrapf(err, "probe %v", asrInputAudio)
	}
	if format.Duration <= 0 {
		return nil, errors.Errorf("invalid asr input duration %v", format.Duration)
	}

	aiConfig := openai.DefaultConfig(v.conf.OpenAIKey)
	aiConfig.OrgID = v.conf.OpenAIOrg
	aiConfig.BaseURL = v.conf.OpenAIBaseURL
	client := openai.NewClientWithConfig(aiConfig)

	result := &TranscribeResult{}

	limitDuration := asrChunkSeconds(asrInputBitrate)
	for starttime := float64(0); starttime < format.Duration; starttime += float64(limitDuration) {
		if err := func() error {
			chunk := path.Join(workDir, fmt.Sprintf("asr-chunk-%v-%v.m4a", uuid.NewString(), starttime))
			defer os.Remove(chunk)

			if err := exec.CommandContext(ctx, "ffmpeg",
				"-i", asrInputAudio,
				"-ss", fmt.Sprintf("%v", starttime), "-t", fmt.Sprintf("%v", limitDuration),
				"-c", "copy", "-y", chunk,
			).Run(); err != nil {
				return errors.Wrapf(err, "chunk %v starttime=%v", asrInputAudio, starttime)
			}

			resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
				Model:    openai.Whisper1,
				FilePath: chunk,
				Format:   openai.AudioResponseFormatVerboseJSON,
				Language: opts.ASRLanguage,
			})
			if err != nil {
				return errors.Wrapf(err, "transcription starttime=%v", starttime)
			}

			result.Language = resp.Language
			result.Duration += resp.Duration
			result.Text = strings.TrimSpace(result.Text + " " + resp.Text)
			for _, s := range resp.Segments {
				result.Segments = append(result.Segments, &Segment{
					Start: starttime + s.Start,
					End:   starttime + s.End,
					Text:  strings.TrimSpace(s.Text),
					UUID:  uuid.NewString(),
				})
			}

			logger.Tf(ctx, "asr chunk ok, starttime=%v, text=<%v>B, segments=%v",
				starttime, len(resp.Text), len(resp.Segments))
			return nil
		}(); err != nil {
			return nil, errors.Wrapf(err, "split starttime=%v, duration=%v", starttime, limitDuration)
		}
	}

	return result, nil
}

// transcribeWithWhisperCpp runs the local whisper.cpp binary with JSON output.
func (v *SpeechTranscriber) transcribeWithWhisperCpp(ctx context.Context, audioPath string, opts *ProcessingOptions) (*TranscribeResult, error) {
	workDir := path.Dir(audioPath)

	// whisper.cpp wants 16kHz mono wav input.
	wavInput := path.Join(workDir, fmt.Sprintf("asr-%v.wav", uuid.NewString()))
	if err := exec.CommandContext(ctx, "ffmpeg",
		"-i", audioPath,
		"-vn", "-c:a", "pcm_s16le", "-ac", "1", "-ar", "16000",
		"-y", wavInput,
	).Run(); err != nil {
		return nil, errors.Wrapf(err, "convert %v to %v", audioPath, wavInput)
	}
	defer os.Remove(wavInput)

	outPrefix := path.Join(workDir, fmt.Sprintf("asr-%v", uuid.NewString()))
	args := []string{
		"-m", v.conf.WhisperModel,
		"-f", wavInput,
		"-oj", "-of", outPrefix,
	}
	if opts.ASRLanguage != "" {
		args = append(args, "-l", opts.ASRLanguage)
	}
	if err := exec.CommandContext(ctx, v.confWhisperBin(), args...).Run(); err != nil {
		return nil, errors.Wrapf(err, "%v %v", v.confWhisperBin(), args)
	}

	outFile := outPrefix + ".json"
	defer os.Remove(outFile)

	b, err := os.ReadFile(outFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read %v", outFile)
	}

	whisperOut := struct {
		Result struct {
			Language string `json:"language"`
		} `json:"result"`
		Transcription []struct {
			Offsets struct {
				From int64 `json:"from"`
				To   int64 `json:"to"`
			} `json:"offsets"`
			Text string `json:"text"`
		} `json:"transcription"`
	}{}
	if err := json.Unmarshal(b, &whisperOut); err != nil {
		return nil, errors.Wrapf(err, "parse %v", string(b))
	}

	result := &TranscribeResult{Language: whisperOut.Result.Language}
	for _, t := range whisperOut.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}

		segment := &Segment{
			Start: float64(t.Offsets.From) / 1000.0,
			End:   float64(t.Offsets.To) / 1000.0,
			Text:  text,
			UUID:  uuid.NewString(),
		}
		result.Segments = append(result.Segments, segment)
		result.Text = strings.TrimSpace(result.Text + " " + text)
		if segment.End > result.Duration {
			result.Duration = segment.End
		}
	}

	return result, nil
}

func (v *SpeechTranscriber) confWhisperBin() string {
	if v.conf.WhisperBin != "" {
		return v.conf.WhisperBin
	}
	return "whisper-cli"
}

// synthesizeSegments approximates segment boundaries from total duration and
// text length, for backends that return no usable timing.
func synthesizeSegments(text string, duration float64) []*Segment {
	words := strings.Fields(text)
	if len(words) == 0 || duration <= 0 {
		return nil
	}

	const wordsPerSegment = 12
	var segments []*Segment
	for i := 0; i < len(words); i += wordsPerSegment {
		end := i + wordsPerSegment
		if end > len(words) {
			end = len(words)
		}

		segments = append(segments, &Segment{
			Start: duration * float64(i) / float64(len(words)),
			End:   duration * float64(end) / float64(len(words)),
			Text:  strings.Join(words[i:end], " "),
			UUID:  uuid.NewString(),
		})
	}
	return segments
}
