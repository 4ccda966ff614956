//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type engineCounter struct {
	lock     sync.Mutex
	loads    []string
	releases []string
}

func (v *engineCounter) load(ctx context.Context, variant string) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.loads = append(v.loads, variant)
	return nil
}

func (v *engineCounter) release(ctx context.Context, variant string) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.releases = append(v.releases, variant)
	return nil
}

func TestEngine_LazySingleton(t *testing.T) {
	ctx := context.Background()
	counter := &engineCounter{}
	engines := newEngineManager("cuda:0", 1, counter.load, counter.release)

	if variant := engines.Variant(); variant != "" {
		t.Errorf("unused engine variant %v, expect empty", variant)
	}

	for i := 0; i < 3; i++ {
		if err := engines.WithEngine(ctx, "htdemucs", func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("with engine err %+v", err)
		}
	}

	// One load for three uses, no release.
	if len(counter.loads) != 1 || counter.loads[0] != "htdemucs" {
		t.Errorf("loads %v, expect one htdemucs", counter.loads)
	}
	if len(counter.releases) != 0 {
		t.Errorf("releases %v, expect none", counter.releases)
	}
	if variant := engines.Variant(); variant != "htdemucs" {
		t.Errorf("variant %v, expect htdemucs", variant)
	}
}

func TestEngine_SwapReleasesPrevious(t *testing.T) {
	ctx := context.Background()
	counter := &engineCounter{}
	engines := newEngineManager("cuda:0", 2, counter.load, counter.release)

	if err := engines.WithEngine(ctx, "htdemucs", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("with engine err %+v", err)
	}
	if err := engines.WithEngine(ctx, "spleeter", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("with engine err %+v", err)
	}

	// The previous variant is released before the replacement loads.
	if len(counter.releases) != 1 || counter.releases[0] != "htdemucs" {
		t.Errorf("releases %v, expect htdemucs released", counter.releases)
	}
	if len(counter.loads) != 2 || counter.loads[1] != "spleeter" {
		t.Errorf("loads %v, expect htdemucs then spleeter", counter.loads)
	}
	if variant := engines.Variant(); variant != "spleeter" {
		t.Errorf("variant %v, expect spleeter", variant)
	}
}

// With spare slots on the device, a request for another variant must still
// drain the device first, never swapping under an in-flight inference.
func TestEngine_NoSwapUnderInference(t *testing.T) {
	ctx := context.Background()
	counter := &engineCounter{}
	engines := newEngineManager("cuda:0", 2, counter.load, counter.release)

	inFlight := make(chan struct{})
	finish := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- engines.WithEngine(ctx, "htdemucs", func(ctx context.Context) error {
			close(inFlight)
			<-finish
			return nil
		})
	}()
	<-inFlight

	second := make(chan error, 1)
	go func() {
		second <- engines.WithEngine(ctx, "spleeter", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-second:
		t.Fatalf("swap finished during inference, err %+v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if variant := engines.Variant(); variant != "htdemucs" {
		t.Errorf("variant %v, expect htdemucs while inference in flight", variant)
	}

	close(finish)
	if err := <-first; err != nil {
		t.Fatalf("first engine use err %+v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second engine use err %+v", err)
	}
	if variant := engines.Variant(); variant != "spleeter" {
		t.Errorf("variant %v, expect spleeter", variant)
	}
}

func TestEngine_ReconfigureWaitsForInflight(t *testing.T) {
	ctx := context.Background()
	counter := &engineCounter{}
	engines := newEngineManager("cuda:0", 1, counter.load, counter.release)

	inFlight := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- engines.WithEngine(ctx, "htdemucs", func(ctx context.Context) error {
			close(inFlight)
			<-finish
			return nil
		})
	}()
	<-inFlight

	reconfigured := make(chan error, 1)
	go func() {
		reconfigured <- engines.Reconfigure(ctx, "spleeter")
	}()

	// Reconfigure must block while inference holds the slot.
	select {
	case err := <-reconfigured:
		t.Fatalf("reconfigure finished during inference, err %+v", err)
	default:
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("with engine err %+v", err)
	}
	if err := <-reconfigured; err != nil {
		t.Fatalf("reconfigure err %+v", err)
	}
	if variant := engines.Variant(); variant != "spleeter" {
		t.Errorf("variant %v, expect spleeter", variant)
	}
}
