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
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/robfig/cron/v3"
)

// CrontabWorker sweeps stale work directories on a schedule, catching
// artifacts abandoned by crashed tasks or undeletable at sweep time.
type CrontabWorker struct {
	conf   *Config
	server *DubServer
	cron   *cron.Cron
}

func NewCrontabWorker(conf *Config, server *DubServer) *CrontabWorker {
	return &CrontabWorker{conf: conf, server: server}
}

func (v *CrontabWorker) Close() error {
	if v.cron != nil {
		<-v.cron.Stop().Done()
	}
	return nil
}

func (v *CrontabWorker) Start(ctx context.Context) error {
	v.cron = cron.New()

	if _, err := v.cron.AddFunc(v.conf.CleanupCron, func() {
		if err := v.sweepStaleArtifacts(ctx); err != nil {
			logger.Wf(ctx, "crontab: ignore err %v", err)
		}
	}); err != nil {
		return errors.Wrapf(err, "cron add %v", v.conf.CleanupCron)
	}

	v.cron.Start()
	logger.Tf(ctx, "crontab: sweep %v, ttl=%vh", v.conf.CleanupCron, v.conf.CleanupTTLHours)
	return nil
}

// sweepStaleArtifacts removes per-job work directories older than the TTL,
// skipping jobs with a live pipeline task.
func (v *CrontabWorker) sweepStaleArtifacts(ctx context.Context) error {
	entries, err := os.ReadDir(v.conf.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "readdir %v", v.conf.WorkDir)
	}

	active := make(map[string]bool)
	for _, jobID := range v.server.ActiveJobIDs() {
		active[jobID] = true
	}

	deadline := time.Now().Add(-time.Duration(v.conf.CleanupTTLHours) * time.Hour)

	var removed int
	for _, entry := range entries {
		if !entry.IsDir() || active[entry.Name()] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Wf(ctx, "crontab: stat %v err %v", entry.Name(), err)
			continue
		}
		if info.ModTime().After(deadline) {
			continue
		}

		target := path.Join(v.conf.WorkDir, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			logger.Wf(ctx, "crontab: remove %v err %v", target, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Tf(ctx, "crontab: swept %v stale work dirs", removed)
	}
	return nil
}
