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
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// The progress checkpoints, reported when the named phase starts. Progress
// only ever moves forward through these values, and reaches 100 exactly when
// the job completes.
const (
	progressAcquire    = 5
	progressExtract    = 15
	progressSeparate   = 25
	progressTranscribe = 35
	progressTranslate  = 50
	progressSynthesize = 70
	progressSubtitle   = 80
	progressMux        = 90
	progressCleanup    = 95
	progressDone       = 100
)

// Stage collaborators of the pipeline, abstracted for substitution in tests.
type mediaAcquirer interface {
	Acquire(ctx context.Context, job *DubJob, payload []byte, workDir string) (*AcquiredMedia, error)
}

type audioExtractor interface {
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
}

type vocalSeparator interface {
	Separate(ctx context.Context, audioPath, workDir string, opts *ProcessingOptions) (string, string, error)
}

type speechTranscriber interface {
	Transcribe(ctx context.Context, audioPath string, opts *ProcessingOptions) (*TranscribeResult, error)
}

type segmentTranslator interface {
	Translate(ctx context.Context, segments []*Segment, opts *ProcessingOptions)
}

type speechSynthesizer interface {
	Synthesize(ctx context.Context, segments []*Segment, opts *ProcessingOptions, workDir string) (string, float64, error)
}

type subtitleRenderer interface {
	Render(segments []*Segment, format, outPath string) error
}

type videoMuxer interface {
	Mux(ctx context.Context, req *MuxRequest) error
}

// PipelineStages collects the stage collaborators behind one wiring point.
type PipelineStages struct {
	Acquirer    mediaAcquirer
	Extractor   audioExtractor
	Separator   vocalSeparator
	Transcriber speechTranscriber
	Translator  segmentTranslator
	Synthesizer speechSynthesizer
	Subtitler   subtitleRenderer
	Muxer       videoMuxer
}

func NewPipelineStages(conf *Config) *PipelineStages {
	muxer := NewVideoMuxer()
	return &PipelineStages{
		Acquirer:    NewVideoAcquirer(conf),
		Extractor:   muxer,
		Separator:   NewAudioSeparator(conf),
		Transcriber: NewSpeechTranscriber(conf),
		Translator:  NewSegmentTranslator(conf),
		Synthesizer: NewSpeechSynthesizer(conf),
		Subtitler:   NewSubtitleRenderer(),
		Muxer:       muxer,
	}
}

// ProgressSink observes each persisted job mutation, for websocket fanout.
// A panicking sink never interferes with the pipeline.
type ProgressSink func(job *DubJob)

// DubServer owns the running pipeline tasks, one goroutine per job.
type DubServer struct {
	conf   *Config
	store  JobStore
	stages *PipelineStages
	sink   ProgressSink

	// All running tasks, protected by lock.
	tasks []*DubTask
	lock  sync.Mutex
	wg    sync.WaitGroup
}

func NewDubServer(conf *Config, store JobStore, stages *PipelineStages, opts ...func(v *DubServer)) *DubServer {
	v := &DubServer{conf: conf, store: store, stages: stages}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *DubServer) addTask(task *DubTask) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.tasks = append(v.tasks, task)
}

func (v *DubServer) queryTask(jobID string) *DubTask {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, task := range v.tasks {
		if task.job.JobID == jobID {
			return task
		}
	}
	return nil
}

func (v *DubServer) removeTask(task *DubTask) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for i, t := range v.tasks {
		if t == task {
			v.tasks = append(v.tasks[:i], v.tasks[i+1:]...)
			return
		}
	}
}

// ActiveJobIDs lists the jobs with a live pipeline task, used by the cleanup
// worker to skip artifacts still in use.
func (v *DubServer) ActiveJobIDs() []string {
	v.lock.Lock()
	defer v.lock.Unlock()

	var ids []string
	for _, task := range v.tasks {
		ids = append(ids, task.job.JobID)
	}
	return ids
}

// Submit validates and persists the job, starts its pipeline task, and returns
// immediately with the job in pending state.
func (v *DubServer) Submit(ctx context.Context, job *DubJob, payload []byte) error {
	if job.Options == nil {
		return errors.New("no processing options")
	}
	if err := job.Options.Validate(); err != nil {
		return errors.Wrapf(err, "validate options")
	}
	if err := v.store.Create(ctx, job); err != nil {
		return errors.Wrapf(err, "create job %v", job.JobID)
	}

	task := newDubTask(v, job, payload)
	v.addTask(task)

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		task.run()
	}()

	logger.Tf(ctx, "submit ok, %v", job.String())
	return nil
}

// Query returns the persisted job, nil when unknown.
func (v *DubServer) Query(ctx context.Context, jobID string) (*DubJob, error) {
	return v.store.Get(ctx, jobID)
}

// List returns all persisted jobs.
func (v *DubServer) List(ctx context.Context) ([]*DubJob, error) {
	return v.store.List(ctx)
}

// Cancel stops a job. A pending job is cancelled immediately, a processing job
// is cancelled cooperatively at the next phase boundary, a terminal job is
// rejected.
func (v *DubServer) Cancel(ctx context.Context, jobID string) error {
	if task := v.queryTask(jobID); task != nil {
		return task.requestCancel(ctx)
	}

	// No live task, only reject or repair the persisted record.
	job, err := v.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "get job %v", jobID)
	}
	if job == nil {
		return errors.Errorf("job %v not exists", jobID)
	}
	if job.Status.Terminal() {
		return errors.Errorf("job %v already terminal %v", jobID, job.Status)
	}

	// A non-terminal job without a task is an orphan from a crashed run.
	if err := job.markCancelled(); err != nil {
		return errors.Wrapf(err, "cancel job %v", jobID)
	}
	if err := v.store.Update(ctx, job); err != nil {
		return errors.Wrapf(err, "update job %v", jobID)
	}
	return nil
}

// Remove deletes a terminal job record and its output artifact.
func (v *DubServer) Remove(ctx context.Context, jobID string) error {
	if task := v.queryTask(jobID); task != nil {
		return errors.Errorf("job %v is running", jobID)
	}

	job, err := v.store.Get(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "get job %v", jobID)
	}
	if job == nil {
		return errors.Errorf("job %v not exists", jobID)
	}
	if !job.Status.Terminal() {
		return errors.Errorf("job %v not terminal %v", jobID, job.Status)
	}

	if job.OutputPath != "" {
		if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
			logger.Wf(ctx, "remove output %v err %v", job.OutputPath, err)
		}
	}
	return v.store.Delete(ctx, jobID)
}

// Close cancels all running tasks and waits for them to drain.
func (v *DubServer) Close() error {
	v.lock.Lock()
	tasks := append([]*DubTask{}, v.tasks...)
	v.lock.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	v.wg.Wait()
	return nil
}

// DubTask drives one job through the pipeline phases. All temp artifacts are
// registered in the manifest and swept exactly once when the task ends, in
// any terminal state.
type DubTask struct {
	UUID   string
	server *DubServer
	job    *DubJob
	// The uploaded file content, nil for url and youtube inputs.
	payload []byte

	// Temp artifacts to sweep, guarded by lock.
	manifest []string
	swept    bool
	// Cooperative cancel, checked at each phase boundary.
	cancelRequested bool

	ctx    context.Context
	cancel context.CancelFunc
	lock   sync.Mutex
}

func newDubTask(server *DubServer, job *DubJob, payload []byte) *DubTask {
	v := &DubTask{
		UUID: uuid.NewString(), server: server, job: job, payload: payload,
	}
	v.ctx, v.cancel = context.WithCancel(logger.WithContext(context.Background()))
	return v
}

// addArtifact registers one temp path for the terminal sweep. The final output
// is never registered.
func (v *DubTask) addArtifact(p string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.manifest = append(v.manifest, p)
}

// sweep removes registered artifacts, best effort and exactly once. A path
// that cannot be removed is logged and abandoned to the cron sweeper.
func (v *DubTask) sweep(ctx context.Context) {
	v.lock.Lock()
	if v.swept {
		v.lock.Unlock()
		return
	}
	v.swept = true
	manifest := append([]string{}, v.manifest...)
	v.lock.Unlock()

	for _, p := range manifest {
		if err := os.RemoveAll(p); err != nil {
			logger.Wf(ctx, "sweep %v err %v", p, err)
		}
	}
	logger.Tf(ctx, "sweep ok, artifacts=%v", len(manifest))
}

// requestCancel cancels a pending job immediately, otherwise flags the task to
// stop at the next phase boundary.
func (v *DubTask) requestCancel(ctx context.Context) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.job.Status.Terminal() {
		return errors.Errorf("job %v already terminal %v", v.job.JobID, v.job.Status)
	}

	v.cancelRequested = true
	if v.job.Status == JobStatusPending {
		if err := v.job.markCancelled(); err != nil {
			return errors.Wrapf(err, "cancel job %v", v.job.JobID)
		}
		if err := v.server.store.Update(ctx, v.job); err != nil {
			return errors.Wrapf(err, "update job %v", v.job.JobID)
		}
		v.cancel()
	}

	logger.Tf(ctx, "cancel requested, %v", v.job.String())
	return nil
}

// cancelled is the phase boundary check.
func (v *DubTask) cancelled() bool {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.cancelRequested || v.ctx.Err() != nil
}

// report raises progress and publishes the mutation. Persistence errors are
// logged only, the pipeline never fails on a status write.
func (v *DubTask) report(ctx context.Context, percent float64, message string) {
	v.lock.Lock()
	v.job.advance(percent, message)
	snapshot := *v.job
	v.lock.Unlock()

	if err := v.server.store.Update(ctx, &snapshot); err != nil {
		logger.Wf(ctx, "update job %v err %v", v.job.JobID, err)
	}
	v.publish(&snapshot)
}

func (v *DubTask) publish(job *DubJob) {
	if v.server.sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Wf(v.ctx, "progress sink panic %v", r)
		}
	}()
	v.server.sink(job)
}

// finalize moves the job to a terminal state and persists it.
func (v *DubTask) finalize(ctx context.Context, mark func(job *DubJob) error) {
	v.lock.Lock()
	if err := mark(v.job); err != nil {
		logger.Wf(ctx, "finalize job %v err %v", v.job.JobID, err)
	}
	snapshot := *v.job
	v.lock.Unlock()

	if err := v.server.store.Update(ctx, &snapshot); err != nil {
		logger.Wf(ctx, "update job %v err %v", v.job.JobID, err)
	}
	v.publish(&snapshot)
}

func (v *DubTask) run() {
	ctx := v.ctx
	defer v.cancel()
	defer v.server.removeTask(v)
	defer v.sweep(ctx)

	if v.cancelled() {
		logger.Tf(ctx, "task %v cancelled before start", v.UUID)
		return
	}

	v.lock.Lock()
	err := v.job.markProcessing()
	v.lock.Unlock()
	if err != nil {
		logger.Wf(ctx, "task %v start err %v", v.UUID, err)
		return
	}
	v.report(ctx, 0, "processing started")

	if err := v.execute(ctx); err != nil {
		if v.cancelled() {
			v.finalize(ctx, func(job *DubJob) error { return job.markCancelled() })
			logger.Tf(ctx, "task %v cancelled, %v", v.UUID, v.job.String())
			return
		}

		v.finalize(ctx, func(job *DubJob) error {
			return job.markFailed(fmt.Sprintf("%v", err), fmt.Sprintf("%+v", err))
		})
		logger.Wf(ctx, "task %v failed, %v, err %+v", v.UUID, v.job.String(), err)
	}
}

// execute runs the phases in order, checking for cancel at each boundary.
func (v *DubTask) execute(ctx context.Context) error {
	conf, stages, job := v.server.conf, v.server.stages, v.job
	opts := job.Options

	workDir := path.Join(conf.WorkDir, job.JobID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %v", workDir)
	}
	v.addArtifact(workDir)

	// Phase state threaded between the closures.
	var media *AcquiredMedia
	var sourceAudio, vocals, background string
	var asr *TranscribeResult
	var voiceTrack, subtitlePath, outputPath string

	phases := []struct {
		checkpoint float64
		message    string
		fn         func() error
	}{
		{progressAcquire, "acquiring input", func() error {
			var err error
			if media, err = stages.Acquirer.Acquire(ctx, job, v.payload, workDir); err != nil {
				return errors.Wrapf(err, "acquire %v(%v)", job.InputType, job.InputReference)
			}
			return nil
		}},
		{progressExtract, "extracting audio", func() error {
			sourceAudio = path.Join(workDir, "source-audio.wav")
			if err := stages.Extractor.ExtractAudio(ctx, media.Path, sourceAudio); err != nil {
				return errors.Wrapf(err, "extract audio of %v", media.Path)
			}
			return nil
		}},
		{progressSeparate, "separating vocals", func() error {
			var err error
			if vocals, background, err = stages.Separator.Separate(ctx, sourceAudio, workDir, opts); err != nil {
				return errors.Wrapf(err, "separate %v", sourceAudio)
			}
			if background, err = ensureBackgroundTrack(ctx, vocals, background, workDir); err != nil {
				return errors.Wrapf(err, "background of %v", vocals)
			}
			return nil
		}},
		{progressTranscribe, "transcribing speech", func() error {
			var err error
			if asr, err = stages.Transcriber.Transcribe(ctx, vocals, opts); err != nil {
				return errors.Wrapf(err, "transcribe %v", vocals)
			}
			if len(asr.Segments) == 0 {
				return errors.Errorf("no speech in %v", vocals)
			}
			return nil
		}},
		{progressTranslate, "translating segments", func() error {
			stages.Translator.Translate(ctx, asr.Segments, opts)
			return nil
		}},
		{progressSynthesize, "synthesizing speech", func() error {
			var err error
			if voiceTrack, _, err = stages.Synthesizer.Synthesize(ctx, asr.Segments, opts, workDir); err != nil {
				return errors.Wrapf(err, "synthesize %v segments", len(asr.Segments))
			}
			return nil
		}},
		{progressSubtitle, "rendering subtitles", func() error {
			if opts.SubtitleMode == "none" {
				return nil
			}
			subtitlePath = path.Join(workDir, fmt.Sprintf("subtitle.%v", opts.SubtitleFormat))
			if err := stages.Subtitler.Render(asr.Segments, opts.SubtitleFormat, subtitlePath); err != nil {
				return errors.Wrapf(err, "render subtitles")
			}
			return nil
		}},
		{progressMux, "muxing output", func() error {
			name := opts.OutputName
			if name == "" {
				name = fmt.Sprintf("%v-dubbed.mp4", job.JobID)
			}
			outputPath = path.Join(conf.OutputDir, name)

			if err := stages.Muxer.Mux(ctx, &MuxRequest{
				VideoPath: media.Path, VoicePath: voiceTrack, BackgroundPath: background,
				SubtitlePath: subtitlePath, OutputPath: outputPath,
				VoiceVolume: opts.VoiceVolume, BackgroundVolume: opts.BackgroundVolume,
				SubtitleMode: opts.SubtitleMode,
			}); err != nil {
				return errors.Wrapf(err, "mux to %v", outputPath)
			}
			return nil
		}},
		{progressCleanup, "cleaning workspace", func() error {
			v.sweep(ctx)
			return nil
		}},
	}

	for _, phase := range phases {
		if v.cancelled() {
			return errors.Errorf("cancelled before %v", phase.message)
		}
		v.report(ctx, phase.checkpoint, phase.message)
		if err := phase.fn(); err != nil {
			return errors.Wrapf(err, "phase %v", phase.message)
		}
	}

	v.finalize(ctx, func(job *DubJob) error { return job.markCompleted(outputPath) })
	logger.Tf(ctx, "task %v completed, %v", v.UUID, job.String())
	return nil
}
