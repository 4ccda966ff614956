//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ossrs/go-oryx-lib/errors"
	ohttp "github.com/ossrs/go-oryx-lib/http"
	"github.com/ossrs/go-oryx-lib/logger"
)

// progressHub fans each job mutation out to the websocket subscribers. A
// subscriber may filter on one job id, or receive every event.
type progressHub struct {
	lock     sync.Mutex
	subs     map[*websocket.Conn]string
	upgrader websocket.Upgrader
}

func newProgressHub() *progressHub {
	return &progressHub{
		subs: make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish sends the job snapshot to matching subscribers, dropping any
// connection that fails to write. The lock is held across the writes, a
// gorilla connection supports only one concurrent writer.
func (v *progressHub) Publish(job *DubJob) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for conn, jobID := range v.subs {
		if jobID != "" && jobID != job.JobID {
			continue
		}
		if err := conn.WriteJSON(job); err != nil {
			delete(v.subs, conn)
			_ = conn.Close()
		}
	}
}

// Handle upgrades the request and blocks until the peer goes away.
func (v *progressHub) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Wf(ctx, "ws upgrade err %v", err)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	v.lock.Lock()
	v.subs[conn] = jobID
	v.lock.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	v.lock.Lock()
	delete(v.subs, conn)
	v.lock.Unlock()
	_ = conn.Close()
}

// submitRequest is the JSON submit body for url and youtube inputs. Uploads
// use multipart form data instead.
type submitRequest struct {
	Token      string             `json:"token"`
	URL        string             `json:"url"`
	YouTubeURL string             `json:"youtube_url"`
	Options    *ProcessingOptions `json:"options"`
}

func handleDubbingService(ctx context.Context, handler *http.ServeMux, conf *Config, server *DubServer, hub *progressHub, capabilities func(ctx context.Context) []*StageCapability) error {
	ep := "/api/v1/dubbing/submit"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			job, payload, token, err := parseSubmit(ctx, conf, r)
			if err != nil {
				return errors.Wrapf(err, "parse submit")
			}

			apiSecret := envApiSecret()
			if err := Authenticate(ctx, apiSecret, token, r.Header); err != nil {
				return errors.Wrapf(err, "authenticate")
			}

			if err := server.Submit(ctx, job, payload); err != nil {
				return errors.Wrapf(err, "submit %v", job.String())
			}

			ohttp.WriteData(ctx, w, r, &job)
			logger.Tf(ctx, "dubbing submit ok, %v", job.String())
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/status"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			var token, jobID string
			if err := ParseBody(ctx, r.Body, &struct {
				Token *string `json:"token"`
				JobID *string `json:"job_id"`
			}{
				Token: &token, JobID: &jobID,
			}); err != nil {
				return errors.Wrapf(err, "parse body")
			}

			apiSecret := envApiSecret()
			if err := Authenticate(ctx, apiSecret, token, r.Header); err != nil {
				return errors.Wrapf(err, "authenticate")
			}

			job, err := server.Query(ctx, jobID)
			if err != nil {
				return errors.Wrapf(err, "query job %v", jobID)
			}
			if job == nil {
				return errors.Errorf("job %v not exists", jobID)
			}

			ohttp.WriteData(ctx, w, r, &job)
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/jobs"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			var token string
			if err := ParseBody(ctx, r.Body, &struct {
				Token *string `json:"token"`
			}{
				Token: &token,
			}); err != nil {
				return errors.Wrapf(err, "parse body")
			}

			apiSecret := envApiSecret()
			if err := Authenticate(ctx, apiSecret, token, r.Header); err != nil {
				return errors.Wrapf(err, "authenticate")
			}

			jobs, err := server.List(ctx)
			if err != nil {
				return errors.Wrapf(err, "list jobs")
			}

			ohttp.WriteData(ctx, w, r, &jobs)
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/cancel"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			var token, jobID string
			if err := ParseBody(ctx, r.Body, &struct {
				Token *string `json:"token"`
				JobID *string `json:"job_id"`
			}{
				Token: &token, JobID: &jobID,
			}); err != nil {
				return errors.Wrapf(err, "parse body")
			}

			apiSecret := envApiSecret()
			if err := Authenticate(ctx, apiSecret, token, r.Header); err != nil {
				return errors.Wrapf(err, "authenticate")
			}

			if err := server.Cancel(ctx, jobID); err != nil {
				return errors.Wrapf(err, "cancel job %v", jobID)
			}

			ohttp.WriteData(ctx, w, r, nil)
			logger.Tf(ctx, "dubbing cancel ok, job=%v", jobID)
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/remove"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			var token, jobID string
			if err := ParseBody(ctx, r.Body, &struct {
				Token *string `json:"token"`
				JobID *string `json:"job_id"`
			}{
				Token: &token, JobID: &jobID,
			}); err != nil {
				return errors.Wrapf(err, "parse body")
			}

			apiSecret := envApiSecret()
			if err := Authenticate(ctx, apiSecret, token, r.Header); err != nil {
				return errors.Wrapf(err, "authenticate")
			}

			if err := server.Remove(ctx, jobID); err != nil {
				return errors.Wrapf(err, "remove job %v", jobID)
			}

			ohttp.WriteData(ctx, w, r, nil)
			logger.Tf(ctx, "dubbing remove ok, job=%v", jobID)
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/download"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			q := r.URL.Query()
			token, jobID := q.Get("token"), q.Get("job_id")

			apiSecret := envApiSecret()
			if err := Authenticate(ctx, apiSecret, token, r.Header); err != nil {
				return errors.Wrapf(err, "authenticate")
			}

			job, err := server.Query(ctx, jobID)
			if err != nil {
				return errors.Wrapf(err, "query job %v", jobID)
			}
			if job == nil {
				return errors.Errorf("job %v not exists", jobID)
			}
			if job.Status != JobStatusCompleted || job.OutputPath == "" {
				return errors.Errorf("job %v not completed, status=%v", jobID, job.Status)
			}

			w.Header().Set("Content-Type", "video/mp4")
			http.ServeFile(w, r, job.OutputPath)
			logger.Tf(ctx, "dubbing download ok, %v", job.String())
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/capabilities"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		if err := func() error {
			stages := capabilities(ctx)
			ohttp.WriteData(ctx, w, r, &stages)
			return nil
		}(); err != nil {
			ohttp.WriteError(ctx, w, r, err)
		}
	})

	ep = "/api/v1/dubbing/progress"
	logger.Tf(ctx, "Handle %v", ep)
	handler.HandleFunc(ep, func(w http.ResponseWriter, r *http.Request) {
		hub.Handle(ctx, w, r)
	})

	return nil
}

// parseSubmit builds the job from either a multipart upload or a JSON body
// with an url or youtube reference.
func parseSubmit(ctx context.Context, conf *Config, r *http.Request) (*DubJob, []byte, string, error) {
	acquirer := NewVideoAcquirer(conf)

	if contentType := r.Header.Get("Content-Type"); strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(conf.MaxFileSize); err != nil {
			return nil, nil, "", errors.Wrapf(err, "parse multipart form")
		}

		file, header, err := r.FormFile("video")
		if err != nil {
			return nil, nil, "", errors.Wrapf(err, "no video file")
		}
		defer file.Close()

		if err := acquirer.ValidateUpload(header.Filename, header.Size); err != nil {
			return nil, nil, "", errors.Wrapf(err, "validate upload %v", header.Filename)
		}

		payload, err := io.ReadAll(io.LimitReader(file, conf.MaxFileSize+1))
		if err != nil {
			return nil, nil, "", errors.Wrapf(err, "read upload %v", header.Filename)
		}
		if int64(len(payload)) > conf.MaxFileSize {
			return nil, nil, "", errors.Errorf("upload %v exceeds %v bytes", header.Filename, conf.MaxFileSize)
		}

		options := NewProcessingOptions()
		if s := r.FormValue("options"); s != "" {
			if err := ParseBody(ctx, io.NopCloser(strings.NewReader(s)), options); err != nil {
				return nil, nil, "", errors.Wrapf(err, "parse options %v", s)
			}
		}

		job := NewDubJob(func(job *DubJob) {
			job.InputType, job.InputReference = JobInputFile, header.Filename
			job.InputFilename, job.Options = header.Filename, options
		})
		return job, payload, r.FormValue("token"), nil
	}

	var req submitRequest
	if err := ParseBody(ctx, r.Body, &req); err != nil {
		return nil, nil, "", errors.Wrapf(err, "parse body")
	}

	rawURL := req.URL
	if req.YouTubeURL != "" {
		rawURL = req.YouTubeURL
	}
	inputType, err := ClassifyInput(false, rawURL)
	if err != nil {
		return nil, nil, "", errors.Wrapf(err, "classify %v", rawURL)
	}

	options := req.Options
	if options == nil {
		options = NewProcessingOptions()
	}

	job := NewDubJob(func(job *DubJob) {
		job.InputType, job.InputReference, job.Options = inputType, rawURL, options
	})
	return job, nil, req.Token, nil
}

