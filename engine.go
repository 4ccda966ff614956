//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"sync"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"golang.org/x/sync/semaphore"
)

// engineManager owns one heavyweight inference engine per accelerator device.
// The engine is lazily initialized on first use and reused across jobs.
// Inference acquires one slot of the device semaphore so the device handles a
// bounded number of requests at a time. Reconfigure acquires every slot, which
// drains in-flight work, releases the previous instance and swaps the variant.
type engineManager struct {
	device   string
	parallel int64
	sem      *semaphore.Weighted

	// Guards the loaded variant name.
	lock    sync.Mutex
	variant string
	loaded  bool

	// Hooks so the manager is testable without a real engine.
	load    func(ctx context.Context, variant string) error
	release func(ctx context.Context, variant string) error
}

func newEngineManager(device string, parallel int64, load, release func(ctx context.Context, variant string) error) *engineManager {
	if parallel <= 0 {
		parallel = 1
	}
	return &engineManager{
		device: device, parallel: parallel,
		sem:  semaphore.NewWeighted(parallel),
		load: load, release: release,
	}
}

// ensure loads the requested variant, releasing the previous one first so the
// accelerator memory is freed before the replacement is constructed. Caller
// must hold enough semaphore weight to make the swap safe.
func (v *engineManager) ensure(ctx context.Context, variant string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.loaded && v.variant == variant {
		return nil
	}

	if v.loaded && v.release != nil {
		if err := v.release(ctx, v.variant); err != nil {
			return errors.Wrapf(err, "release engine %v on %v", v.variant, v.device)
		}
		v.loaded = false
		logger.Tf(ctx, "engine: released %v on device %v", v.variant, v.device)
	}

	if v.load != nil {
		if err := v.load(ctx, variant); err != nil {
			return errors.Wrapf(err, "load engine %v on %v", variant, v.device)
		}
	}

	v.variant, v.loaded = variant, true
	logger.Tf(ctx, "engine: loaded %v on device %v", variant, v.device)
	return nil
}

// WithEngine runs fn with the variant loaded, holding one inference slot of
// the device. A variant mismatch drains the device before swapping, never
// swapping under a single slot while other slots may be mid-inference.
func (v *engineManager) WithEngine(ctx context.Context, variant string, fn func(ctx context.Context) error) error {
	for {
		if v.Variant() != variant {
			if err := v.Reconfigure(ctx, variant); err != nil {
				return errors.Wrapf(err, "reconfigure to %v", variant)
			}
		}

		if err := v.sem.Acquire(ctx, 1); err != nil {
			return errors.Wrapf(err, "acquire device %v", v.device)
		}

		// The variant may have been swapped while waiting for the slot,
		// release and drain the device again.
		if v.Variant() != variant {
			v.sem.Release(1)
			continue
		}

		defer v.sem.Release(1)
		return fn(ctx)
	}
}

// Reconfigure drains the device, then swaps to the new variant.
func (v *engineManager) Reconfigure(ctx context.Context, variant string) error {
	if err := v.sem.Acquire(ctx, v.parallel); err != nil {
		return errors.Wrapf(err, "drain device %v", v.device)
	}
	defer v.sem.Release(v.parallel)

	return v.ensure(ctx, variant)
}

// Variant returns the currently loaded variant, empty when none.
func (v *engineManager) Variant() string {
	v.lock.Lock()
	defer v.lock.Unlock()

	if !v.loaded {
		return ""
	}
	return v.variant
}
