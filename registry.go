//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// MethodCapability describes one backend method of a stage for capability
// listing. Available is advisory only, the resolver never skips a candidate
// because of it.
type MethodCapability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// StageCapability is the explicit capability descriptor of one stage adapter.
type StageCapability struct {
	Stage   string             `json:"stage"`
	Methods []MethodCapability `json:"methods"`
}

// MethodRegistry resolves a requested backend method of one stage to a
// deterministic ordered attempt chain, and executes candidates in order until
// one succeeds or the chain is exhausted.
type MethodRegistry struct {
	stage string
	// Registration order of method names.
	order []string
	// Per-method availability probes, credentials present, binary reachable.
	probes map[string]func(ctx context.Context) bool
	// Configured fallbacks per requested method.
	fallbacks map[string][]string
}

func NewMethodRegistry(stage string) *MethodRegistry {
	return &MethodRegistry{
		stage:     stage,
		probes:    make(map[string]func(ctx context.Context) bool),
		fallbacks: make(map[string][]string),
	}
}

func (v *MethodRegistry) Stage() string {
	return v.stage
}

func (v *MethodRegistry) Register(name string, probe func(ctx context.Context) bool) *MethodRegistry {
	if _, ok := v.probes[name]; !ok {
		v.order = append(v.order, name)
	}
	v.probes[name] = probe
	return v
}

// SetFallbacks configures the chain attempted after the requested method fails.
func (v *MethodRegistry) SetFallbacks(method string, chain ...string) *MethodRegistry {
	v.fallbacks[method] = chain
	return v
}

func (v *MethodRegistry) Known(name string) bool {
	_, ok := v.probes[name]
	return ok
}

// Chain builds the attempt order, the requested method first then its
// configured fallbacks, duplicates removed preserving first occurrence.
// Unknown names are dropped, an unknown or empty request attempts the
// registered methods in registration order.
func (v *MethodRegistry) Chain(requested string) []string {
	var chain []string
	seen := make(map[string]bool)

	appendMethod := func(name string) {
		if name == "" || seen[name] || !v.Known(name) {
			return
		}
		seen[name] = true
		chain = append(chain, name)
	}

	appendMethod(requested)
	for _, name := range v.fallbacks[requested] {
		appendMethod(name)
	}

	if !v.Known(requested) {
		for _, name := range v.order {
			appendMethod(name)
		}
	}
	return chain
}

// Execute runs attempt for each candidate in the chain until one succeeds.
// Every failure is logged with the candidate name and the next candidate is
// tried. It returns the names attempted, in order, and the aggregated error
// when the chain is exhausted.
func (v *MethodRegistry) Execute(ctx context.Context, requested string, attempt func(ctx context.Context, method string) error) ([]string, error) {
	chain := v.Chain(requested)
	if len(chain) == 0 {
		return nil, errors.Errorf("stage %v has no method for %v", v.stage, requested)
	}

	var attempted []string
	var lastErr error
	for _, method := range chain {
		attempted = append(attempted, method)

		if err := attempt(ctx, method); err != nil {
			lastErr = err
			logger.Wf(ctx, "stage %v method %v failed, try next, err %+v", v.stage, method, err)
			continue
		}

		logger.Tf(ctx, "stage %v ok with method %v, attempted %v", v.stage, method, attempted)
		return attempted, nil
	}

	return attempted, errors.Wrapf(lastErr, "stage %v exhausted methods %v", v.stage, attempted)
}

// Capability probes every method and returns the stage descriptor.
func (v *MethodRegistry) Capability(ctx context.Context) *StageCapability {
	descriptor := &StageCapability{Stage: v.stage}
	for _, name := range v.order {
		available := false
		if probe := v.probes[name]; probe != nil {
			available = probe(ctx)
		}
		descriptor.Methods = append(descriptor.Methods, MethodCapability{
			Name: name, Available: available,
		})
	}
	return descriptor
}
