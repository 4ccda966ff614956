//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/sashabaranov/go-openai"
)

// The sample rate of the concatenated dub track. 100KHZ, each frame is 10ms.
const ttsSampleRate = 100000

// The default ElevenLabs voice (Rachel) and model.
const elevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
const elevenLabsModel = "eleven_multilingual_v2"

// SpeechSynthesizer converts translated segments to voiced audio clips and
// assembles them into a single dub track aligned to the source timeline.
type SpeechSynthesizer struct {
	conf     *Config
	registry *MethodRegistry
}

func NewSpeechSynthesizer(conf *Config) *SpeechSynthesizer {
	v := &SpeechSynthesizer{conf: conf}

	v.registry = NewMethodRegistry("tts")
	v.registry.Register("edge", func(ctx context.Context) bool {
		_, err := exec.LookPath("edge-tts")
		return err == nil
	})
	v.registry.Register("openai", func(ctx context.Context) bool {
		return conf.OpenAIKey != ""
	})
	v.registry.Register("elevenlabs", func(ctx context.Context) bool {
		return conf.ElevenLabsKey != ""
	})
	v.registry.Register("espeak", func(ctx context.Context) bool {
		_, err := exec.LookPath("espeak-ng")
		return err == nil
	})
	for _, method := range []string{"edge", "openai", "elevenlabs", "espeak"} {
		v.registry.SetFallbacks(method, conf.TTSFallbacks...)
	}

	return v
}

func (v *SpeechSynthesizer) Capability(ctx context.Context) *StageCapability {
	return v.registry.Capability(ctx)
}

// Synthesize voices each segment to a clip, then concatenates the clips with
// silence insertion so each clip starts at its segment timestamp. Individual
// segment failures are annotated and skipped, the phase fails only when no
// segment could be voiced at all.
func (v *SpeechSynthesizer) Synthesize(ctx context.Context, segments []*Segment, opts *ProcessingOptions, workDir string) (string, float64, error) {
	var voiced []*Segment
	clips := make(map[string]string)

	for _, segment := range segments {
		text := segment.TranslatedText
		if text == "" {
			text = segment.Text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		clipBase := path.Join(workDir, fmt.Sprintf("tts-%03d-%v", segment.ID, segment.UUID))
		var clipPath string
		attempted, err := v.registry.Execute(ctx, opts.TTSMethod, func(ctx context.Context, method string) error {
			var err error
			clipPath, err = v.synthesizeClip(ctx, method, text, opts.Voice, clipBase)
			return err
		})
		if err != nil {
			segment.Error = fmt.Sprintf("tts failed: %v", err.Error())
			logger.Wf(ctx, "tts segment %v failed, attempted=%v, err %v", segment.ID, attempted, err)
			continue
		}

		voiced = append(voiced, segment)
		clips[segment.UUID] = clipPath
	}

	if len(voiced) == 0 {
		return "", 0, errors.Errorf("no segment voiced of %v", len(segments))
	}

	dubTrack := path.Join(workDir, "dub-voice.wav")
	duration, err := v.concatenateClips(ctx, voiced, clips, dubTrack)
	if err != nil {
		return "", 0, errors.Wrapf(err, "concatenate %v clips", len(voiced))
	}

	logger.Tf(ctx, "tts ok, voiced=%v/%v, duration=%.2f, track=%v", len(voiced), len(segments), duration, dubTrack)
	return dubTrack, duration, nil
}

func (v *SpeechSynthesizer) synthesizeClip(ctx context.Context, method, text, voice, clipBase string) (string, error) {
	switch method {
	case "edge":
		clip := clipBase + ".mp3"
		if err := exec.CommandContext(ctx, "edge-tts",
			"--voice", voice, "--text", text, "--write-media", clip,
		).Run(); err != nil {
			return "", errors.Wrapf(err, "edge-tts voice=%v", voice)
		}
		return clip, nil
	case "openai":
		return v.synthesizeOpenAI(ctx, text, clipBase)
	case "elevenlabs":
		return v.synthesizeElevenLabs(ctx, text, clipBase)
	case "espeak":
		clip := clipBase + ".wav"
		if err := exec.CommandContext(ctx, "espeak-ng",
			"-v", "vi", "-w", clip, text,
		).Run(); err != nil {
			return "", errors.Wrapf(err, "espeak-ng")
		}
		return clip, nil
	default:
		return "", errors.Errorf("unknown tts method %v", method)
	}
}

func (v *SpeechSynthesizer) synthesizeOpenAI(ctx context.Context, text, clipBase string) (string, error) {
	aiConfig := openai.DefaultConfig(v.conf.OpenAIKey)
	aiConfig.OrgID = v.conf.OpenAIOrg
	aiConfig.BaseURL = v.conf.OpenAIBaseURL

	client := openai.NewClientWithConfig(aiConfig)
	resp, err := client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.VoiceNova,
		ResponseFormat: openai.SpeechResponseFormatAac,
	})
	if err != nil {
		return "", errors.Wrapf(err, "create speech")
	}
	defer resp.Close()

	clip := clipBase + ".aac"
	out, err := os.Create(clip)
	if err != nil {
		return "", errors.Wrapf(err, "create %v", clip)
	}
	defer out.Close()

	if _, err = io.Copy(out, resp); err != nil {
		return "", errors.Wrapf(err, "copy speech to %v", clip)
	}
	return clip, nil
}

func (v *SpeechSynthesizer) synthesizeElevenLabs(ctx context.Context, text, clipBase string) (string, error) {
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{
		Text: text, ModelID: elevenLabsModel,
	})
	if err != nil {
		return "", errors.Wrapf(err, "marshal request")
	}

	api := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%v", elevenLabsVoice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "request %v", api)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", v.conf.ElevenLabsKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "post %v", api)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", errors.Errorf("elevenlabs status=%v, body=%v", resp.StatusCode, string(b))
	}

	clip := clipBase + ".mp3"
	out, err := os.Create(clip)
	if err != nil {
		return "", errors.Wrapf(err, "create %v", clip)
	}
	defer out.Close()

	if _, err = io.Copy(out, resp.Body); err != nil {
		return "", errors.Wrapf(err, "copy speech to %v", clip)
	}
	return clip, nil
}

// concatenateClips writes one wav track where each voiced clip starts at its
// segment timestamp. Gaps between the write cursor and the next segment are
// filled with silence, a clip running past the next timestamp just pushes the
// cursor forward.
func (v *SpeechSynthesizer) concatenateClips(ctx context.Context, segments []*Segment, clips map[string]string, outPath string) (float64, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return 0, errors.Wrapf(err, "create %v", outPath)
	}
	defer f.Close()

	format := &audio.Format{SampleRate: ttsSampleRate, NumChannels: 1}
	enc := wav.NewEncoder(f, format.SampleRate, 16, format.NumChannels, 1)
	defer enc.Close()

	insertSilent := func(duration float64) error {
		if duration >= 0.01 {
			return enc.Write(&audio.IntBuffer{
				Data:   make([]int, int(ttsSampleRate*duration)),
				Format: format,
			})
		}
		return nil
	}

	var cursor float64
	for _, segment := range segments {
		if err := insertSilent(segment.Start - cursor); err != nil {
			return 0, errors.Wrapf(err, "insert silent %v", segment.Start-cursor)
		}
		if segment.Start > cursor {
			cursor = segment.Start
		}

		clipDuration, err := v.appendClip(ctx, clips[segment.UUID], enc)
		if err != nil {
			return 0, errors.Wrapf(err, "append clip %v", clips[segment.UUID])
		}
		cursor += clipDuration
	}

	if err := enc.Close(); err != nil {
		return 0, errors.Wrapf(err, "close %v", outPath)
	}
	return cursor, nil
}

// clipNeedsConversion reports whether a clip must go through ffmpeg before it
// can be appended to the track encoder. Only a mono wav already at the track
// rate can be written directly, anything else would corrupt the timeline.
func clipNeedsConversion(clip string) (bool, error) {
	if !strings.HasSuffix(clip, ".wav") {
		return true, nil
	}

	f, err := os.Open(clip)
	if err != nil {
		return false, errors.Wrapf(err, "open %v", clip)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return false, errors.Wrapf(err, "read info %v", clip)
	}
	return int(dec.SampleRate) != ttsSampleRate || dec.NumChans != 1, nil
}

// appendClip decodes one clip as wav and writes it to the encoder, converting
// with ffmpeg first unless the clip is already a mono wav at the track rate.
func (v *SpeechSynthesizer) appendClip(ctx context.Context, clip string, enc *wav.Encoder) (float64, error) {
	convert, err := clipNeedsConversion(clip)
	if err != nil {
		return 0, err
	}

	wavClip := clip
	if convert {
		wavClip = strings.TrimSuffix(clip, path.Ext(clip)) + ".norm.wav"
		if err := exec.CommandContext(ctx, "ffmpeg",
			"-i", clip,
			"-vn", "-c:a", "pcm_s16le", "-ac", "1", "-ar", fmt.Sprintf("%v", ttsSampleRate), "-ab", "300k",
			"-y", wavClip,
		).Run(); err != nil {
			return 0, errors.Wrapf(err, "convert %v to %v", clip, wavClip)
		}
		defer os.Remove(wavClip)
	}

	wf, err := os.Open(wavClip)
	if err != nil {
		return 0, errors.Wrapf(err, "open %v", wavClip)
	}
	defer wf.Close()

	dec := wav.NewDecoder(wf)
	bufWav, err := dec.FullPCMBuffer()
	if err != nil {
		return 0, errors.Wrapf(err, "decode %v", wavClip)
	}
	if err = enc.Write(bufWav); err != nil {
		return 0, errors.Wrapf(err, "write %v", wavClip)
	}

	return float64(len(bufWav.Data)) / float64(bufWav.Format.SampleRate*bufWav.Format.NumChannels), nil
}

// wavFileInfo reads the duration and sample rate of a wav file.
func wavFileInfo(wavPath string) (float64, int, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "open %v", wavPath)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return 0, 0, errors.Wrapf(err, "read info %v", wavPath)
	}

	duration, err := dec.Duration()
	if err != nil {
		return 0, 0, errors.Wrapf(err, "duration %v", wavPath)
	}
	return duration.Seconds(), int(dec.SampleRate), nil
}

// writeSilentWav writes a mono 16-bit wav of all zero samples.
func writeSilentWav(wavPath string, duration float64, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = ttsSampleRate
	}

	f, err := os.Create(wavPath)
	if err != nil {
		return errors.Wrapf(err, "create %v", wavPath)
	}
	defer f.Close()

	format := &audio.Format{SampleRate: sampleRate, NumChannels: 1}
	enc := wav.NewEncoder(f, format.SampleRate, 16, format.NumChannels, 1)
	defer enc.Close()

	if err := enc.Write(&audio.IntBuffer{
		Data:   make([]int, int(float64(sampleRate)*duration)),
		Format: format,
	}); err != nil {
		return errors.Wrapf(err, "write %v samples", int(float64(sampleRate)*duration))
	}
	return enc.Close()
}
