package updatecheck

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
)

var testHash = strings.Repeat("ab", 32)

func testResponse() *Response {
	return &Response{
		Status:  StatusOK,
		Version: "1.2.0",
		Payloads: []ResponsePayload{{
			URLs: []string{"https://updates.example/a/payload", "https://mirror.example/b/payload"},
			Size: 1024,
			Hash: testHash,
		}},
		Partitions: []ResponsePartition{{Name: "root", Size: 1024, Hash: testHash, RunPostinstall: true}},
	}
}

// fakeTransport answers with a function.
type fakeTransport struct {
	mu   sync.Mutex
	reqs []*Request
	urls []string
	fn   func(ctx context.Context, req *Request) (*Response, int, error)
}

func (f *fakeTransport) Send(ctx context.Context, url string, req *Request) (*Response, int, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeTransport) requests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.reqs...)
}

// waitPosted waits for a goroutine to post to the fake loop, then runs it.
func waitPosted(t *testing.T, fl *loop.Fake) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for fl.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("nothing was posted to the loop")
		}
		time.Sleep(time.Millisecond)
	}
	fl.RunUntilIdle()
}

// feed outputs a fixed value.
type feed[T any] struct {
	action.Base
	action.Output[T]
	value T
}

func (*feed[T]) Type() action.Type { return action.TypeUnknown }

func (f *feed[T]) PerformAction(done action.Completer) {
	f.SetOutputObject(f.value)
	done.Complete(errorcode.Success)
}

// sink captures its input.
type sink[T any] struct {
	action.Base
	action.Input[T]
	got T
	has bool
}

func (*sink[T]) Type() action.Type { return action.TypeUnknown }

func (s *sink[T]) PerformAction(done action.Completer) {
	s.has = s.HasInputObject()
	s.got = s.InputObject()
	done.Complete(errorcode.Success)
}

// recorder is a processor delegate.
type recorder struct {
	completed map[action.Type]errorcode.Code
	done      bool
	code      errorcode.Code
}

func newRecorder() *recorder {
	return &recorder{completed: make(map[action.Type]errorcode.Code)}
}

func (r *recorder) ActionCompleted(_ *action.Processor, a action.Action, code errorcode.Code) {
	r.completed[a.Type()] = code
}

func (r *recorder) ProcessingDone(_ *action.Processor, code errorcode.Code) {
	r.done = true
	r.code = code
}

func (r *recorder) ProcessingStopped(*action.Processor) {
	r.done = true
	r.code = errorcode.UserCanceled
}
