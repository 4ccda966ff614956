//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"testing"
)

func TestAcquire_IsYouTubeURL(t *testing.T) {
	urlSamples := []struct {
		url     string
		youtube bool
	}{
		{url: "https://www.youtube.com/watch?v=abc123", youtube: true},
		{url: "https://youtube.com/watch?v=abc123", youtube: true},
		{url: "https://m.youtube.com/watch?v=abc123", youtube: true},
		{url: "https://youtu.be/abc123", youtube: true},
		{url: "https://YOUTU.BE/abc123", youtube: true},
		{url: "https://example.com/watch?v=abc123", youtube: false},
		{url: "https://notyoutube.com/v", youtube: false},
		{url: "https://youtube.com.evil.com/v", youtube: false},
		{url: "", youtube: false},
		{url: "::not-a-url::", youtube: false},
	}
	for _, sample := range urlSamples {
		if youtube := IsYouTubeURL(sample.url); youtube != sample.youtube {
			t.Errorf("url %v youtube=%v, expect %v", sample.url, youtube, sample.youtube)
		}
	}
}

func TestAcquire_ClassifyInput(t *testing.T) {
	samples := []struct {
		hasUpload bool
		url       string
		inputType JobInputType
		ok        bool
	}{
		{hasUpload: true, url: "", inputType: JobInputFile, ok: true},
		{hasUpload: false, url: "https://youtu.be/abc", inputType: JobInputYouTube, ok: true},
		{hasUpload: false, url: "https://example.com/video.mp4", inputType: JobInputURL, ok: true},
		{hasUpload: false, url: "http://example.com/video.mp4", inputType: JobInputURL, ok: true},
		// Exactly one input method is required.
		{hasUpload: true, url: "https://example.com/video.mp4", ok: false},
		{hasUpload: false, url: "", ok: false},
		{hasUpload: false, url: "ftp://example.com/video.mp4", ok: false},
		{hasUpload: false, url: "not a url", ok: false},
	}
	for _, sample := range samples {
		inputType, err := ClassifyInput(sample.hasUpload, sample.url)
		if (err == nil) != sample.ok {
			t.Errorf("classify upload=%v, url=%v expect ok=%v, err %+v",
				sample.hasUpload, sample.url, sample.ok, err)
			continue
		}
		if sample.ok && inputType != sample.inputType {
			t.Errorf("classify upload=%v, url=%v is %v, expect %v",
				sample.hasUpload, sample.url, inputType, sample.inputType)
		}
	}
}

func TestAcquire_ValidateUpload(t *testing.T) {
	acquirer := NewVideoAcquirer(&Config{MaxFileSize: 1000})

	samples := []struct {
		filename string
		size     int64
		ok       bool
	}{
		{"video.mp4", 500, true},
		{"video.MP4", 500, true},
		{"clip.mkv", 1000, true},
		{"audio.mp3", 10, true},
		{"video.exe", 500, false},
		{"video", 500, false},
		{"", 500, false},
		{"video.mp4", 1001, false},
	}
	for _, sample := range samples {
		if err := acquirer.ValidateUpload(sample.filename, sample.size); (err == nil) != sample.ok {
			t.Errorf("validate %v size=%v expect ok=%v, err %+v",
				sample.filename, sample.size, sample.ok, err)
		}
	}
}
