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
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// AudioSeparator splits one audio track into vocals and background music.
// The heavy model is serialized per device through the engine manager.
type AudioSeparator struct {
	conf     *Config
	registry *MethodRegistry
	engines  *engineManager
}

func NewAudioSeparator(conf *Config) *AudioSeparator {
	v := &AudioSeparator{conf: conf}

	v.engines = newEngineManager(conf.EngineDevice, conf.EngineParallel,
		func(ctx context.Context, variant string) error {
			// Separation runs as a subprocess, loading is checking the binary
			// and warming the model cache path.
			if _, err := exec.LookPath(separationBinary(variant)); err != nil {
				return errors.Wrapf(err, "lookup %v", separationBinary(variant))
			}
			return nil
		},
		func(ctx context.Context, variant string) error {
			return nil
		},
	)

	probeBinary := func(name string) func(ctx context.Context) bool {
		return func(ctx context.Context) bool {
			_, err := exec.LookPath(name)
			return err == nil
		}
	}

	v.registry = NewMethodRegistry("separation")
	v.registry.Register("htdemucs_ft", probeBinary("demucs"))
	v.registry.Register("htdemucs", probeBinary("demucs"))
	v.registry.Register("mdx_extra", probeBinary("demucs"))
	v.registry.Register("spleeter", probeBinary("spleeter"))
	for _, m := range []string{"htdemucs_ft", "htdemucs", "mdx_extra", "spleeter"} {
		v.registry.SetFallbacks(m, conf.SeparationFallbacks...)
	}

	return v
}

func separationBinary(variant string) string {
	if variant == "spleeter" {
		return "spleeter"
	}
	return "demucs"
}

func (v *AudioSeparator) Capability(ctx context.Context) *StageCapability {
	return v.registry.Capability(ctx)
}

// ValidateAudio is the input predicate for separation.
func (v *AudioSeparator) ValidateAudio(audioPath string) error {
	if _, err := os.Stat(audioPath); err != nil {
		return errors.Wrapf(err, "stat %v", audioPath)
	}
	if !hasAllowedExtension(audioPath, serverAllowAudioFiles) {
		return errors.Errorf("invalid audio file %v", audioPath)
	}
	return nil
}

// Separate splits audioPath into a vocals track and a background track. The
// background may be empty when the backend produces none, callers use
// ensureBackgroundTrack to guarantee two mixing inputs.
func (v *AudioSeparator) Separate(ctx context.Context, audioPath, workDir string, opts *ProcessingOptions) (string, string, error) {
	if err := v.ValidateAudio(audioPath); err != nil {
		return "", "", errors.Wrapf(err, "validate %v", audioPath)
	}

	var vocals, background string
	attempted, err := v.registry.Execute(ctx, opts.SeparationModel, func(ctx context.Context, method string) error {
		return v.engines.WithEngine(ctx, method, func(ctx context.Context) error {
			var err error
			if method == "spleeter" {
				vocals, background, err = v.runSpleeter(ctx, audioPath, workDir)
			} else {
				vocals, background, err = v.runDemucs(ctx, method, audioPath, workDir)
			}
			return err
		})
	})
	if err != nil {
		return "", "", errors.Wrapf(err, "separate %v, attempted %v", audioPath, attempted)
	}

	logger.Tf(ctx, "separate ok, vocals=%v, background=%v, attempted=%v", vocals, background, attempted)
	return vocals, background, nil
}

func (v *AudioSeparator) runDemucs(ctx context.Context, model, audioPath, workDir string) (string, string, error) {
	outDir := path.Join(workDir, fmt.Sprintf("separated-%v", uuid.NewString()))

	if err := exec.CommandContext(ctx, "demucs",
		"-n", model,
		"--two-stems=vocals",
		"-o", outDir,
		audioPath,
	).Run(); err != nil {
		return "", "", errors.Wrapf(err, "demucs -n %v %v", model, audioPath)
	}

	base := strings.TrimSuffix(path.Base(audioPath), path.Ext(audioPath))
	vocals := path.Join(outDir, model, base, "vocals.wav")
	background := path.Join(outDir, model, base, "no_vocals.wav")

	if _, err := os.Stat(vocals); err != nil {
		return "", "", errors.Wrapf(err, "no vocals %v", vocals)
	}
	if _, err := os.Stat(background); err != nil {
		// The background is optional, a silent track is synthesized later.
		background = ""
	}
	return vocals, background, nil
}

func (v *AudioSeparator) runSpleeter(ctx context.Context, audioPath, workDir string) (string, string, error) {
	outDir := path.Join(workDir, fmt.Sprintf("separated-%v", uuid.NewString()))

	if err := exec.CommandContext(ctx, "spleeter",
		"separate", "-p", "spleeter:2stems",
		"-o", outDir,
		audioPath,
	).Run(); err != nil {
		return "", "", errors.Wrapf(err, "spleeter %v", audioPath)
	}

	base := strings.TrimSuffix(path.Base(audioPath), path.Ext(audioPath))
	vocals := path.Join(outDir, base, "vocals.wav")
	background := path.Join(outDir, base, "accompaniment.wav")

	if _, err := os.Stat(vocals); err != nil {
		return "", "", errors.Wrapf(err, "no vocals %v", vocals)
	}
	if _, err := os.Stat(background); err != nil {
		background = ""
	}
	return vocals, background, nil
}

// ensureBackgroundTrack guarantees downstream mixing always has two inputs.
// When the separator yields no background, a silent track of matching duration
// and sample rate is synthesized next to the vocals.
func ensureBackgroundTrack(ctx context.Context, vocals, background, workDir string) (string, error) {
	if background != "" {
		if _, err := os.Stat(background); err == nil {
			return background, nil
		}
	}

	duration, sampleRate, err := wavFileInfo(vocals)
	if err != nil {
		return "", errors.Wrapf(err, "probe vocals %v", vocals)
	}

	silent := path.Join(workDir, fmt.Sprintf("background-silent-%v.wav", uuid.NewString()))
	if err := writeSilentWav(silent, duration, sampleRate); err != nil {
		return "", errors.Wrapf(err, "write silent %v, duration=%v", silent, duration)
	}

	logger.Tf(ctx, "separate: synthesized silent background %v, duration=%.3f, rate=%v", silent, duration, sampleRate)
	return silent, nil
}
