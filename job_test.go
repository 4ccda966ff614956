//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"testing"
)

func TestJob_Transitions(t *testing.T) {
	job := NewDubJob()
	if job.Status != JobStatusPending {
		t.Errorf("new job status %v, expect pending", job.Status)
	}

	if err := job.markProcessing(); err != nil {
		t.Errorf("mark processing err %+v", err)
	}
	if job.StartedAt == nil {
		t.Errorf("started_at not stamped")
	}

	if err := job.markCompleted("/tmp/out.mp4"); err != nil {
		t.Errorf("mark completed err %+v", err)
	}
	if job.Progress != 100 {
		t.Errorf("completed progress %v, expect 100", job.Progress)
	}
	if job.OutputPath == "" || job.ErrorMessage != "" {
		t.Errorf("completed job output=%v, error=%v", job.OutputPath, job.ErrorMessage)
	}

	// Terminal jobs reject every further transition.
	if err := job.markFailed("boom", "details"); err == nil {
		t.Errorf("mark failed on completed job should fail")
	}
	if err := job.markCancelled(); err == nil {
		t.Errorf("mark cancelled on completed job should fail")
	}
}

func TestJob_FailedOutputExclusive(t *testing.T) {
	job := NewDubJob()
	_ = job.markProcessing()
	if err := job.markFailed("phase failed", "root cause"); err != nil {
		t.Errorf("mark failed err %+v", err)
	}

	if job.OutputPath != "" {
		t.Errorf("failed job has output %v", job.OutputPath)
	}
	if job.ErrorMessage == "" || job.ErrorDetails == "" {
		t.Errorf("failed job missing error, message=%v, details=%v", job.ErrorMessage, job.ErrorDetails)
	}
	if job.Progress >= 100 {
		t.Errorf("failed job progress %v, expect below 100", job.Progress)
	}
}

func TestJob_ProgressMonotone(t *testing.T) {
	job := NewDubJob()
	_ = job.markProcessing()

	job.advance(25, "separated")
	job.advance(15, "stale checkpoint")
	if job.Progress != 25 {
		t.Errorf("progress %v, expect stale lower checkpoint ignored", job.Progress)
	}
	if job.Message != "stale checkpoint" {
		t.Errorf("message %v, expect latest message kept", job.Message)
	}

	job.advance(50, "translated")
	if job.Progress != 50 {
		t.Errorf("progress %v, expect 50", job.Progress)
	}
}

func TestJob_CompletedRequiresOutput(t *testing.T) {
	job := NewDubJob()
	_ = job.markProcessing()
	if err := job.markCompleted(""); err == nil {
		t.Errorf("mark completed with empty output should fail")
	}
}

func TestJob_OptionsValidate(t *testing.T) {
	samples := []struct {
		mutate func(opts *ProcessingOptions)
		ok     bool
	}{
		{func(opts *ProcessingOptions) {}, true},
		{func(opts *ProcessingOptions) { opts.VoiceVolume = 2.5 }, false},
		{func(opts *ProcessingOptions) { opts.VoiceVolume = -0.1 }, false},
		{func(opts *ProcessingOptions) { opts.BackgroundVolume = 1.5 }, false},
		{func(opts *ProcessingOptions) { opts.SubtitleMode = "overlay" }, false},
		{func(opts *ProcessingOptions) { opts.SubtitleMode = "none" }, true},
		{func(opts *ProcessingOptions) { opts.SubtitleFormat = "ass" }, false},
		{func(opts *ProcessingOptions) { opts.SubtitleFormat = "vtt" }, true},
		{func(opts *ProcessingOptions) { opts.TargetLanguage = "" }, false},
	}
	for i, sample := range samples {
		opts := NewProcessingOptions()
		sample.mutate(opts)
		if err := opts.Validate(); (err == nil) != sample.ok {
			t.Errorf("sample %v expect ok=%v, err %+v", i, sample.ok, err)
		}
	}
}

func TestJob_MemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()

	job := NewDubJob()
	if err := store.Create(ctx, job); err != nil {
		t.Errorf("create err %+v", err)
	}
	if err := store.Create(ctx, job); err == nil {
		t.Errorf("duplicate create should fail")
	}

	// Mutating the original must not leak into the store.
	job.Progress = 50
	loaded, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Errorf("get err %+v", err)
	}
	if loaded == nil || loaded.Progress != 0 {
		t.Errorf("store leaked mutation, loaded=%v", loaded)
	}

	if err := store.Update(ctx, job); err != nil {
		t.Errorf("update err %+v", err)
	}
	if loaded, _ = store.Get(ctx, job.JobID); loaded.Progress != 50 {
		t.Errorf("update lost, progress=%v", loaded.Progress)
	}

	if loaded, _ = store.Get(ctx, "no-such-job"); loaded != nil {
		t.Errorf("missing job should be nil, got %v", loaded)
	}

	if jobs, _ := store.List(ctx); len(jobs) != 1 {
		t.Errorf("list %v jobs, expect 1", len(jobs))
	}

	if err := store.Delete(ctx, job.JobID); err != nil {
		t.Errorf("delete err %+v", err)
	}
	if loaded, _ = store.Get(ctx, job.JobID); loaded != nil {
		t.Errorf("deleted job still present")
	}
}
