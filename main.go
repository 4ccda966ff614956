//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

var version = "v1.0.0"

func main() {
	ctx := logger.WithContext(context.Background())

	if err := doMain(ctx); err != nil {
		logger.Tf(ctx, "run err %+v", err)
		return
	}

	logger.Tf(ctx, "run ok")
}

func doMain(ctx context.Context) error {
	var showVersion bool
	flag.BoolVar(&showVersion, "v", false, "Print version and quit")
	flag.BoolVar(&showVersion, "version", false, "Print version and quit")
	flag.Parse()

	if showVersion {
		fmt.Println(strings.TrimPrefix(version, "v"))
		os.Exit(0)
	}

	// The .env is optional, env vars win when both are set.
	if pwd, err := os.Getwd(); err != nil {
		return errors.Wrapf(err, "getpwd")
	} else if envFile := path.Join(pwd, ".env"); true {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return errors.Wrapf(err, "load %v", envFile)
			}
		}
	}

	setEnvDefault("VDUB_LISTEN", "2027")
	setEnvDefault("VDUB_WORK_DIR", "containers/data/dubbing")
	setEnvDefault("VDUB_OUTPUT_DIR", "containers/data/output")
	setEnvDefault("REDIS_HOST", "localhost")
	setEnvDefault("REDIS_PORT", "6379")

	// The api secret protects all mutating endpoints, generate one when unset.
	if envApiSecret() == "" {
		token := fmt.Sprintf("vdub-v1-%v", strings.ReplaceAll(uuid.NewString(), "-", ""))
		os.Setenv("VDUB_API_SECRET", token)
		logger.Wf(ctx, "generate VDUB_API_SECRET=%vB, set it in .env to keep it stable", len(token))
	}

	logger.Tf(ctx, "load .env as VDUB_LISTEN=%v, VDUB_WORK_DIR=%v, VDUB_OUTPUT_DIR=%v, "+
		"VDUB_API_SECRET=%vB, OPENAI_API_KEY=%vB, OPENROUTER_API_KEY=%vB, ELEVENLABS_API_KEY=%vB, "+
		"REDIS_HOST=%v, REDIS_PORT=%v, REDIS_PASSWORD=%vB",
		os.Getenv("VDUB_LISTEN"), os.Getenv("VDUB_WORK_DIR"), os.Getenv("VDUB_OUTPUT_DIR"),
		len(envApiSecret()), len(os.Getenv("OPENAI_API_KEY")), len(os.Getenv("OPENROUTER_API_KEY")),
		len(os.Getenv("ELEVENLABS_API_KEY")), os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"),
		len(os.Getenv("REDIS_PASSWORD")),
	)

	// Install signals.
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for s := range sc {
			logger.Tf(ctx, "Got signal %v", s)
			cancel()
		}
	}()

	conf, err := LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "load config")
	}

	for _, dir := range []string{conf.WorkDir, conf.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %v", dir)
		}
	}

	rdb, err := NewRedisClient(ctx)
	if err != nil {
		return errors.Wrapf(err, "create redis client")
	}
	logger.Tf(ctx, "init rdb(redis client) ok")

	store := NewRedisJobStore(rdb)
	stages := NewPipelineStages(conf)

	hub := newProgressHub()
	server := NewDubServer(conf, store, stages, func(v *DubServer) {
		v.sink = hub.Publish
	})
	defer server.Close()

	crontab := NewCrontabWorker(conf, server)
	defer crontab.Close()
	if err := crontab.Start(ctx); err != nil {
		return errors.Wrapf(err, "start crontab worker")
	}

	// The capability report aggregates the probed methods of each stage.
	capabilities := func(ctx context.Context) []*StageCapability {
		return []*StageCapability{
			stages.Separator.(*AudioSeparator).Capability(ctx),
			stages.Transcriber.(*SpeechTranscriber).Capability(ctx),
			stages.Translator.(*SegmentTranslator).Capability(ctx),
			stages.Synthesizer.(*SpeechSynthesizer).Capability(ctx),
		}
	}

	handler := http.NewServeMux()
	if err := handleDubbingService(ctx, handler, conf, server, hub, capabilities); err != nil {
		return errors.Wrapf(err, "handle dubbing service")
	}

	httpServer := &http.Server{Addr: conf.Listen, Handler: handler}
	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Tf(ctx, "vdub listen at %v, version=%v", conf.Listen, version)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "listen %v", conf.Listen)
	}

	return nil
}
