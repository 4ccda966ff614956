//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"reflect"
	"testing"

	"github.com/ossrs/go-oryx-lib/errors"
)

func newTestRegistry() *MethodRegistry {
	available := func(ctx context.Context) bool { return true }
	registry := NewMethodRegistry("test")
	registry.Register("alpha", available)
	registry.Register("beta", available)
	registry.Register("gamma", available)
	registry.SetFallbacks("alpha", "alpha", "beta", "gamma")
	registry.SetFallbacks("beta", "alpha", "beta", "gamma")
	registry.SetFallbacks("gamma", "alpha", "beta", "gamma")
	return registry
}

func TestRegistry_Chain(t *testing.T) {
	registry := newTestRegistry()

	samples := []struct {
		requested string
		chain     []string
	}{
		// The requested method leads, the rest of the chain follows deduped.
		{"beta", []string{"beta", "alpha", "gamma"}},
		{"alpha", []string{"alpha", "beta", "gamma"}},
		// An unknown requested method falls back to the chain alone.
		{"delta", []string{"alpha", "beta", "gamma"}},
		{"", []string{"alpha", "beta", "gamma"}},
	}
	for _, sample := range samples {
		if chain := registry.Chain(sample.requested); !reflect.DeepEqual(chain, sample.chain) {
			t.Errorf("chain for %v is %v, expect %v", sample.requested, chain, sample.chain)
		}
	}
}

func TestRegistry_ExecuteFallsThrough(t *testing.T) {
	registry := newTestRegistry()

	var tried []string
	attempted, err := registry.Execute(context.Background(), "alpha", func(ctx context.Context, method string) error {
		tried = append(tried, method)
		if method != "gamma" {
			return errors.Errorf("%v unavailable", method)
		}
		return nil
	})
	if err != nil {
		t.Errorf("execute err %+v", err)
	}
	if !reflect.DeepEqual(tried, []string{"alpha", "beta", "gamma"}) {
		t.Errorf("tried %v, expect alpha then beta then gamma", tried)
	}
	if !reflect.DeepEqual(attempted, []string{"alpha", "beta", "gamma"}) {
		t.Errorf("attempted %v", attempted)
	}
}

func TestRegistry_ExecuteStopsOnFirstSuccess(t *testing.T) {
	registry := newTestRegistry()

	var tried []string
	if _, err := registry.Execute(context.Background(), "beta", func(ctx context.Context, method string) error {
		tried = append(tried, method)
		return nil
	}); err != nil {
		t.Errorf("execute err %+v", err)
	}
	if !reflect.DeepEqual(tried, []string{"beta"}) {
		t.Errorf("tried %v, expect only the requested method", tried)
	}
}

func TestRegistry_ExecuteExhausted(t *testing.T) {
	registry := newTestRegistry()

	attempted, err := registry.Execute(context.Background(), "alpha", func(ctx context.Context, method string) error {
		return errors.Errorf("%v down", method)
	})
	if err == nil {
		t.Errorf("exhausted chain should fail")
	}
	if len(attempted) != 3 {
		t.Errorf("attempted %v, expect all three methods", attempted)
	}
}
