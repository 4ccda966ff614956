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
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
)

// The redis hash for all dubbing jobs.
const VDUB_JOBS = "VDUB_JOBS"

type JobStatus string

const (
	// JobStatusPending means the job is created but no phase has run yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing means the pipeline is running the phases.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted means all phases succeeded and the output is ready.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means some phase raised and the job is terminal.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled means the caller cancelled the job.
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal means no further mutation is allowed for this status.
func (v JobStatus) Terminal() bool {
	return v == JobStatusCompleted || v == JobStatusFailed || v == JobStatusCancelled
}

type JobInputType string

const (
	JobInputFile    JobInputType = "file"
	JobInputURL     JobInputType = "url"
	JobInputYouTube JobInputType = "youtube"
)

// ProcessingOptions is fixed at submission. Method fallback may substitute a
// backend at runtime, but the requested option here is preserved for audit.
type ProcessingOptions struct {
	// The separation model variant, for example htdemucs_ft.
	SeparationModel string `json:"separation_model"`
	// The ASR method and the expected source language, empty for auto detect.
	ASRMethod   string `json:"asr_method"`
	ASRLanguage string `json:"asr_language"`
	// The translation method and target language.
	TranslationMethod string `json:"translation_method"`
	TargetLanguage    string `json:"target_language"`
	// The TTS method and voice name.
	TTSMethod string `json:"tts_method"`
	Voice     string `json:"voice"`
	// Volume multipliers applied before the additive mix.
	VoiceVolume      float64 `json:"voice_volume"`
	BackgroundVolume float64 `json:"background_volume"`
	// Subtitle handling, one of burn, soft or none, and the subtitle format.
	SubtitleMode   string `json:"subtitle_mode"`
	SubtitleFormat string `json:"subtitle_format"`
	// Optional output file name, without directory.
	OutputName string `json:"output_name"`
}

func NewProcessingOptions() *ProcessingOptions {
	return &ProcessingOptions{
		SeparationModel:   "htdemucs_ft",
		ASRMethod:         "whisper_api",
		TranslationMethod: "google",
		TargetLanguage:    "vi",
		TTSMethod:         "edge",
		Voice:             "vi-VN-HoaiMyNeural",
		VoiceVolume:       1.0,
		BackgroundVolume:  0.3,
		SubtitleMode:      "burn",
		SubtitleFormat:    "srt",
	}
}

func (v *ProcessingOptions) Validate() error {
	if v.VoiceVolume < 0 || v.VoiceVolume > 2 {
		return errors.Errorf("invalid voice volume %v, should be in [0, 2]", v.VoiceVolume)
	}
	if v.BackgroundVolume < 0 || v.BackgroundVolume > 1 {
		return errors.Errorf("invalid background volume %v, should be in [0, 1]", v.BackgroundVolume)
	}
	if v.SubtitleMode != "burn" && v.SubtitleMode != "soft" && v.SubtitleMode != "none" {
		return errors.Errorf("invalid subtitle mode %v", v.SubtitleMode)
	}
	if v.SubtitleFormat != "srt" && v.SubtitleFormat != "vtt" {
		return errors.Errorf("invalid subtitle format %v", v.SubtitleFormat)
	}
	if v.TargetLanguage == "" {
		return errors.New("empty target language")
	}
	return nil
}

// DubJob is one end-to-end dubbing request and its tracked state. It is mutated
// exclusively by the pipeline task that owns it, and read by API pollers.
type DubJob struct {
	// The opaque job identifier, immutable.
	JobID string `json:"job_id"`
	// The job status.
	Status JobStatus `json:"status"`
	// Progress in [0, 100], never decreasing while processing.
	Progress float64 `json:"progress"`
	// The latest human readable progress message.
	Message string `json:"message"`

	// The input reference, immutable once set.
	InputType      JobInputType `json:"input_type"`
	InputReference string       `json:"input_reference"`
	InputFilename  string       `json:"input_filename,omitempty"`

	// The requested processing options, fixed at submission.
	Options *ProcessingOptions `json:"processing_options"`

	// Set exactly once on the transition to completed.
	OutputPath string `json:"output_path,omitempty"`
	// Set exactly once on the transition to failed.
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	// Wall clock seconds from start to the terminal transition.
	ProcessingTime float64 `json:"processing_time,omitempty"`
}

func NewDubJob(opts ...func(job *DubJob)) *DubJob {
	v := &DubJob{
		JobID:     uuid.NewString(),
		Status:    JobStatusPending,
		Options:   NewProcessingOptions(),
		CreatedAt: time.Now(),
	}
	v.UpdatedAt = v.CreatedAt
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *DubJob) String() string {
	return fmt.Sprintf("job=%v, status=%v, progress=%.0f, input=%v(%v)",
		v.JobID, v.Status, v.Progress, v.InputType, v.InputReference)
}

// markProcessing moves pending to processing, stamping started_at once.
func (v *DubJob) markProcessing() error {
	if v.Status != JobStatusPending {
		return errors.Errorf("job %v is %v, not pending", v.JobID, v.Status)
	}

	now := time.Now()
	v.Status, v.StartedAt, v.UpdatedAt = JobStatusProcessing, &now, now
	return nil
}

// advance raises progress to percent with a message. Progress never decreases,
// a stale lower checkpoint is ignored rather than rejected.
func (v *DubJob) advance(percent float64, message string) {
	if v.Status.Terminal() {
		return
	}
	if percent > v.Progress {
		v.Progress = percent
	}
	v.Message = message
	v.UpdatedAt = time.Now()
}

func (v *DubJob) markCompleted(outputPath string) error {
	if v.Status.Terminal() {
		return errors.Errorf("job %v already terminal %v", v.JobID, v.Status)
	}
	if outputPath == "" {
		return errors.New("empty output path")
	}

	now := time.Now()
	v.Status, v.OutputPath, v.Progress = JobStatusCompleted, outputPath, 100
	v.CompletedAt, v.UpdatedAt = &now, now
	if v.StartedAt != nil {
		v.ProcessingTime = now.Sub(*v.StartedAt).Seconds()
	}
	return nil
}

func (v *DubJob) markFailed(message, details string) error {
	if v.Status.Terminal() {
		return errors.Errorf("job %v already terminal %v", v.JobID, v.Status)
	}

	now := time.Now()
	v.Status, v.ErrorMessage, v.ErrorDetails = JobStatusFailed, message, details
	v.CompletedAt, v.UpdatedAt = &now, now
	if v.StartedAt != nil {
		v.ProcessingTime = now.Sub(*v.StartedAt).Seconds()
	}
	return nil
}

func (v *DubJob) markCancelled() error {
	if v.Status.Terminal() {
		return errors.Errorf("job %v already terminal %v", v.JobID, v.Status)
	}

	now := time.Now()
	v.Status = JobStatusCancelled
	v.CompletedAt, v.UpdatedAt = &now, now
	if v.StartedAt != nil {
		v.ProcessingTime = now.Sub(*v.StartedAt).Seconds()
	}
	return nil
}

// JobStore is the external persistence collaborator. It must support concurrent
// reads during a write, for status polling while processing.
type JobStore interface {
	Create(ctx context.Context, job *DubJob) error
	// Get returns nil without error when the job does not exist.
	Get(ctx context.Context, jobID string) (*DubJob, error)
	Update(ctx context.Context, job *DubJob) error
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]*DubJob, error)
}

// RedisJobStore keeps jobs as JSON blobs in one redis hash.
type RedisJobStore struct {
	rdb *redis.Client
}

func NewRedisJobStore(rdb *redis.Client) *RedisJobStore {
	return &RedisJobStore{rdb: rdb}
}

func (v *RedisJobStore) Create(ctx context.Context, job *DubJob) error {
	return v.Update(ctx, job)
}

func (v *RedisJobStore) Get(ctx context.Context, jobID string) (*DubJob, error) {
	r0, err := v.rdb.HGet(ctx, VDUB_JOBS, jobID).Result()
	if err == redis.Nil || r0 == "" {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "hget %v %v", VDUB_JOBS, jobID)
	}

	var job DubJob
	if err := json.Unmarshal([]byte(r0), &job); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %v %v", jobID, r0)
	}
	return &job, nil
}

func (v *RedisJobStore) Update(ctx context.Context, job *DubJob) error {
	if b, err := json.Marshal(job); err != nil {
		return errors.Wrapf(err, "marshal job %v", job.JobID)
	} else if err := v.rdb.HSet(ctx, VDUB_JOBS, job.JobID, string(b)).Err(); err != nil {
		return errors.Wrapf(err, "hset %v %v %v", VDUB_JOBS, job.JobID, string(b))
	}
	return nil
}

func (v *RedisJobStore) Delete(ctx context.Context, jobID string) error {
	if err := v.rdb.HDel(ctx, VDUB_JOBS, jobID).Err(); err != nil && err != redis.Nil {
		return errors.Wrapf(err, "hdel %v %v", VDUB_JOBS, jobID)
	}
	return nil
}

func (v *RedisJobStore) List(ctx context.Context) ([]*DubJob, error) {
	configs, err := v.rdb.HGetAll(ctx, VDUB_JOBS).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrapf(err, "hgetall %v", VDUB_JOBS)
	}

	var jobs []*DubJob
	for k, s := range configs {
		var job DubJob
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, errors.Wrapf(err, "unmarshal %v %v", k, s)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// MemoryJobStore is the in-process store, for tests and store-less runs.
type MemoryJobStore struct {
	lock sync.RWMutex
	jobs map[string]*DubJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*DubJob)}
}

func (v *MemoryJobStore) clone(job *DubJob) *DubJob {
	b, _ := json.Marshal(job)
	var copied DubJob
	_ = json.Unmarshal(b, &copied)
	return &copied
}

func (v *MemoryJobStore) Create(ctx context.Context, job *DubJob) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, ok := v.jobs[job.JobID]; ok {
		return errors.Errorf("job %v exists", job.JobID)
	}
	v.jobs[job.JobID] = v.clone(job)
	return nil
}

func (v *MemoryJobStore) Get(ctx context.Context, jobID string) (*DubJob, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	job, ok := v.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return v.clone(job), nil
}

func (v *MemoryJobStore) Update(ctx context.Context, job *DubJob) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.jobs[job.JobID] = v.clone(job)
	return nil
}

func (v *MemoryJobStore) Delete(ctx context.Context, jobID string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	delete(v.jobs, jobID)
	return nil
}

func (v *MemoryJobStore) List(ctx context.Context) ([]*DubJob, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	var jobs []*DubJob
	for _, job := range v.jobs {
		jobs = append(jobs, v.clone(job))
	}
	return jobs, nil
}
