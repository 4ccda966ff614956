//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// AcquiredMedia is the local artifact produced by acquisition, always a file
// path plus the probed format.
type AcquiredMedia struct {
	// The local file path of the acquired video.
	Path string `json:"path"`
	// The probed media format, duration and streams.
	Format *MediaFormat `json:"format"`
	// The size in bytes.
	Size int64 `json:"size"`
}

// VideoAcquirer routes YouTube URLs, generic direct media URLs and raw
// uploaded bytes to distinct acquisition strategies.
type VideoAcquirer struct {
	conf *Config
}

func NewVideoAcquirer(conf *Config) *VideoAcquirer {
	return &VideoAcquirer{conf: conf}
}

// IsYouTubeURL reports whether the URL points at YouTube.
func IsYouTubeURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Hostname())
	return host == "youtube.com" || host == "www.youtube.com" ||
		host == "m.youtube.com" || host == "youtu.be"
}

// ClassifyInput decides the input type for a submission.
func ClassifyInput(hasUpload bool, rawURL string) (JobInputType, error) {
	if hasUpload && rawURL != "" {
		return "", errors.New("only one input method allowed")
	}
	if hasUpload {
		return JobInputFile, nil
	}
	if rawURL == "" {
		return "", errors.New("no video input")
	}
	if IsYouTubeURL(rawURL) {
		return JobInputYouTube, nil
	}
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.Errorf("invalid video url %v", rawURL)
	}
	return JobInputURL, nil
}

// ValidateUpload rejects malformed uploads before a job is created.
func (v *VideoAcquirer) ValidateUpload(filename string, size int64) error {
	if filename == "" {
		return errors.New("no file selected")
	}
	if !hasAllowedExtension(filename, append(serverAllowVideoFiles, serverAllowAudioFiles...)) {
		return errors.Errorf("invalid file extension %v, should be %v",
			filename, append(serverAllowVideoFiles, serverAllowAudioFiles...))
	}
	if size > v.conf.MaxFileSize {
		return errors.Errorf("file too large %v, max %v", size, v.conf.MaxFileSize)
	}
	return nil
}

// Acquire produces the local source video for a job. The payload is the
// uploaded bytes for file inputs, nil otherwise.
func (v *VideoAcquirer) Acquire(ctx context.Context, job *DubJob, payload []byte, workDir string) (*AcquiredMedia, error) {
	var target string
	var err error

	switch job.InputType {
	case JobInputYouTube:
		target, err = v.downloadYouTube(ctx, job.InputReference, workDir)
	case JobInputURL:
		target, err = v.downloadURL(ctx, job.InputReference, workDir)
	case JobInputFile:
		target, err = v.saveUpload(ctx, job.InputFilename, payload, workDir)
	default:
		return nil, errors.Errorf("invalid input type %v", job.InputType)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %v %v", job.InputType, job.InputReference)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %v", target)
	}

	format, _, _, err := FFprobeFileFormat(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "probe %v", target)
	}
	if !format.HasAudio {
		return nil, errors.Errorf("no audio stream in %v, format is %v", target, format.String())
	}

	logger.Tf(ctx, "acquire ok, type=%v, file=%v, size=%v, format=%v",
		job.InputType, target, info.Size(), format.String())
	return &AcquiredMedia{Path: target, Format: format, Size: info.Size()}, nil
}

// downloadYouTube fetches the video with yt-dlp, merged to mp4.
func (v *VideoAcquirer) downloadYouTube(ctx context.Context, rawURL, workDir string) (string, error) {
	target := path.Join(workDir, fmt.Sprintf("source-%v.mp4", uuid.NewString()))

	if err := exec.CommandContext(ctx, "yt-dlp",
		"-f", "bv*[height<=1080]+ba/b",
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", target,
		rawURL,
	).Run(); err != nil {
		return "", errors.Wrapf(err, "yt-dlp %v", rawURL)
	}

	if _, err := os.Stat(target); err != nil {
		return "", errors.Wrapf(err, "yt-dlp output %v", target)
	}
	return target, nil
}

// downloadURL fetches a direct media URL over HTTP, enforcing the size limit.
func (v *VideoAcquirer) downloadURL(ctx context.Context, rawURL, workDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrapf(err, "request %v", rawURL)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "get %v", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("get %v status %v", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > v.conf.MaxFileSize {
		return "", errors.Errorf("file too large %v, max %v", resp.ContentLength, v.conf.MaxFileSize)
	}

	ext := strings.ToLower(path.Ext(req.URL.Path))
	if !hasAllowedExtension(ext, append(serverAllowVideoFiles, serverAllowAudioFiles...)) {
		// Trust the content type for extension-less URLs.
		if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "video/") {
			ext = "." + strings.TrimPrefix(ct, "video/")
		} else {
			ext = ".mp4"
		}
	}

	target := path.Join(workDir, fmt.Sprintf("source-%v%v", uuid.NewString(), ext))
	out, err := os.Create(target)
	if err != nil {
		return "", errors.Wrapf(err, "create %v", target)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, v.conf.MaxFileSize+1))
	if err != nil {
		return "", errors.Wrapf(err, "download %v to %v", rawURL, target)
	}
	if written > v.conf.MaxFileSize {
		return "", errors.Errorf("file too large, max %v", v.conf.MaxFileSize)
	}

	return target, nil
}

// saveUpload writes the uploaded bytes to the job work directory.
func (v *VideoAcquirer) saveUpload(ctx context.Context, filename string, payload []byte, workDir string) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("empty upload")
	}
	if err := v.ValidateUpload(filename, int64(len(payload))); err != nil {
		return "", errors.Wrapf(err, "validate upload %v", filename)
	}

	target := path.Join(workDir, fmt.Sprintf("source-%v%v", uuid.NewString(), strings.ToLower(path.Ext(filename))))
	if err := os.WriteFile(target, payload, 0644); err != nil {
		return "", errors.Wrapf(err, "write %v", target)
	}
	return target, nil
}
