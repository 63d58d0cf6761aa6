package download

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"gotest.tools/assert"
)

type collector struct {
	data       bytes.Buffer
	finished   bool
	success    bool
	terminated bool
	stopAfter  int
}

func (c *collector) ReceivedBytes(_ Fetcher, data []byte) bool {
	c.data.Write(data)
	return c.stopAfter == 0 || c.data.Len() < c.stopAfter
}

func (c *collector) TransferComplete(_ Fetcher, success bool) {
	c.finished, c.success = true, success
}

func (c *collector) TransferTerminated(Fetcher) {
	c.finished, c.terminated = true, true
}

// drive runs the loop until the transfer ends.
func drive(t *testing.T, fl *loop.Fake, c *collector) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !c.finished {
		if time.Now().After(deadline) {
			t.Fatal("transfer did not finish")
		}
		if fl.RunUntilIdle() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	fl.RunUntilIdle()
}

func newTestFetcher(t *testing.T) (*HTTPFetcher, *loop.Fake, *collector) {
	fl := loop.NewFake(clock.NewFake(time.Now()))
	f := NewHTTPFetcher(testoutput.Logger(t, "fetcher"), fl, nil)
	f.RetryDelay = time.Millisecond
	c := &collector{}
	f.SetDelegate(c)
	return f, fl, c
}

func TestHTTPFetcherRange(t *testing.T) {
	content := strings.Repeat("abcdefghij", 20000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload", time.Time{}, strings.NewReader(content))
	}))
	defer srv.Close()

	f, fl, c := newTestFetcher(t)
	f.BeginTransfer(srv.URL)
	drive(t, fl, c)
	assert.Check(t, c.success)
	assert.Equal(t, c.data.String(), content)
	assert.Equal(t, f.HTTPResponseCode(), http.StatusOK)

	f, fl, c = newTestFetcher(t)
	f.SetOffset(150000)
	f.BeginTransfer(srv.URL)
	drive(t, fl, c)
	assert.Check(t, c.success)
	assert.Equal(t, c.data.String(), content[150000:])
	assert.Equal(t, f.HTTPResponseCode(), http.StatusPartialContent)
}

func TestHTTPFetcherIgnoredRange(t *testing.T) {
	content := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	f, fl, c := newTestFetcher(t)
	f.SetOffset(4)
	f.BeginTransfer(srv.URL)
	drive(t, fl, c)
	assert.Check(t, c.success)
	assert.Equal(t, c.data.String(), "456789")
}

func TestHTTPFetcherStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, fl, c := newTestFetcher(t)
	f.BeginTransfer(srv.URL)
	drive(t, fl, c)
	assert.Check(t, !c.success)
	assert.Check(t, !c.terminated)
	assert.Equal(t, f.HTTPResponseCode(), http.StatusNotFound)
	assert.Equal(t, atomic.LoadInt32(&calls), int32(1))
}

func TestHTTPFetcherRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer srv.Close()

	f, fl, c := newTestFetcher(t)
	f.BeginTransfer(srv.URL)
	drive(t, fl, c)
	assert.Check(t, c.success)
	assert.Equal(t, c.data.String(), "finally")
	assert.Equal(t, atomic.LoadInt32(&calls), int32(3))
}

func TestHTTPFetcherAbortedByDelegate(t *testing.T) {
	content := strings.Repeat("z", 4*chunkSize)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload", time.Time{}, strings.NewReader(content))
	}))
	defer srv.Close()

	f, fl, c := newTestFetcher(t)
	c.stopAfter = 1
	f.BeginTransfer(srv.URL)
	drive(t, fl, c)
	assert.Check(t, c.terminated)
	assert.Check(t, c.data.Len() < len(content))
}

func TestHTTPFetcherTerminate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, fl, c := newTestFetcher(t)
	f.BeginTransfer(srv.URL)
	deadline := time.Now().Add(5 * time.Second)
	for c.data.Len() == 0 && time.Now().Before(deadline) {
		fl.RunUntilIdle()
		time.Sleep(time.Millisecond)
	}
	f.TerminateTransfer()
	drive(t, fl, c)
	assert.Check(t, c.terminated)
	assert.Equal(t, c.data.String(), "partial")
}
