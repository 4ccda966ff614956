//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubServer(hub *progressHub) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Handle(context.Background(), w, r)
	}))
}

func dialHub(t *testing.T, server *httptest.Server, jobID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if jobID != "" {
		url += "?job_id=" + jobID
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %v err %+v", url, err)
	}
	return conn
}

// The subscription registers asynchronously with the dial.
func waitForSubscribers(t *testing.T, hub *progressHub, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		hub.lock.Lock()
		registered := len(hub.subs)
		hub.lock.Unlock()
		if registered == n {
			return
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("subscribers %v, expect %v", registered, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Two jobs progressing at the same time publish to the same subscriber from
// different goroutines, the connection must still receive every snapshot.
func TestProgressHub_ConcurrentPublish(t *testing.T) {
	hub := newProgressHub()
	server := newHubServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "")
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	const perJob = 20
	var wg sync.WaitGroup
	for _, jobID := range []string{"job-a", "job-b"} {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			for i := 0; i < perJob; i++ {
				hub.Publish(&DubJob{JobID: jobID, Progress: float64(i)})
			}
		}(jobID)
	}
	wg.Wait()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 2*perJob; i++ {
		var job DubJob
		if err := conn.ReadJSON(&job); err != nil {
			t.Fatalf("read snapshot %v err %+v", i, err)
		}
		if job.JobID != "job-a" && job.JobID != "job-b" {
			t.Errorf("snapshot %v unexpected job %v", i, job.JobID)
		}
	}
}

// A subscriber with a job_id filter only sees that job's snapshots.
func TestProgressHub_FiltersByJobID(t *testing.T) {
	hub := newProgressHub()
	server := newHubServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "job-a")
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	hub.Publish(&DubJob{JobID: "job-b", Progress: 50})
	hub.Publish(&DubJob{JobID: "job-a", Progress: 25})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var job DubJob
	if err := conn.ReadJSON(&job); err != nil {
		t.Fatalf("read snapshot err %+v", err)
	}
	if job.JobID != "job-a" || job.Progress != 25 {
		t.Errorf("snapshot %v progress %v, expect job-a at 25", job.JobID, job.Progress)
	}
}
