//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"os"
	"path"
	"testing"
	"time"
)

func TestCrontab_SweepStaleArtifacts(t *testing.T) {
	conf := &Config{WorkDir: t.TempDir(), CleanupTTLHours: 1}
	server := NewDubServer(conf, NewMemoryJobStore(), &PipelineStages{})

	stale := path.Join(conf.WorkDir, "stale-job")
	fresh := path.Join(conf.WorkDir, "fresh-job")
	active := path.Join(conf.WorkDir, "active-job")
	for _, dir := range []string{stale, fresh, active} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir err %+v", err)
		}
	}

	old := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{stale, active} {
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatalf("chtimes err %+v", err)
		}
	}

	// The active job has a live task, its work dir must survive any age.
	job := NewDubJob(func(job *DubJob) { job.JobID = "active-job" })
	server.addTask(newDubTask(server, job, nil))

	worker := NewCrontabWorker(conf, server)
	if err := worker.sweepStaleArtifacts(context.Background()); err != nil {
		t.Fatalf("sweep err %+v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale dir survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh dir swept, err %+v", err)
	}
	if _, err := os.Stat(active); err != nil {
		t.Errorf("active dir swept, err %+v", err)
	}
}
