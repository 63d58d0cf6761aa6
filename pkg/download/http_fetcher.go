package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	chunkSize = 64 * 1024
	// DefaultMaxRetries is how often a broken transfer is resumed.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the pause before resuming a broken transfer.
	DefaultRetryDelay = 10 * time.Second
)

var errAborted = errors.New("transfer aborted by delegate")

// HTTPFetcher is a Fetcher over HTTP(S). The body is read on its own
// goroutine and every chunk is delivered on the loop before the next one is
// read.
type HTTPFetcher struct {
	log    logging.Logger
	loop   loop.Loop
	client *http.Client

	MaxRetries int
	RetryDelay time.Duration

	delegate FetcherDelegate
	offset   int64
	length   int64
	httpCode int

	cancel context.CancelFunc
	pause  *pauser
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher whose connections are made by client.
func NewHTTPFetcher(log logging.Logger, l loop.Loop, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{
		log:        log,
		loop:       l,
		client:     client,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

func (f *HTTPFetcher) SetDelegate(d FetcherDelegate) { f.delegate = d }
func (f *HTTPFetcher) SetOffset(offset int64)        { f.offset = offset }
func (f *HTTPFetcher) SetLength(length int64)        { f.length = length }
func (f *HTTPFetcher) HTTPResponseCode() int         { return f.httpCode }

func (f *HTTPFetcher) BeginTransfer(url string) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.pause = newPauser()
	t := &transfer{
		fetcher: f,
		ctx:     ctx,
		url:     url,
		offset:  f.offset,
		length:  f.length,
		pause:   f.pause,
		log:     f.log.WithField("url", url),
	}
	go t.run()
}

func (f *HTTPFetcher) TerminateTransfer() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.pause != nil {
		f.pause.set(false)
	}
}

func (f *HTTPFetcher) Pause() {
	if f.pause != nil {
		f.pause.set(true)
	}
}

func (f *HTTPFetcher) Unpause() {
	if f.pause != nil {
		f.pause.set(false)
	}
}

// transfer is the state of one BeginTransfer, owned by its goroutine.
type transfer struct {
	fetcher *HTTPFetcher
	ctx     context.Context
	url     string
	offset  int64
	length  int64
	pause   *pauser
	log     logrus.FieldLogger

	received int64
}

func (t *transfer) run() {
	f := t.fetcher
	err := t.fetch()
	for retry := 0; err != nil && retryable(err) && retry < f.MaxRetries; retry++ {
		t.log.WithError(err).WithField("retry", retry+1).Warn("transfer interrupted, retrying")
		select {
		case <-time.After(f.RetryDelay):
		case <-t.ctx.Done():
		}
		if t.ctx.Err() != nil {
			err = t.ctx.Err()
			break
		}
		err = t.fetch()
	}

	switch {
	case err == nil:
		f.loop.Post(func() { f.delegate.TransferComplete(f, true) })
	case t.ctx.Err() != nil || err == errAborted:
		f.loop.Post(func() { f.delegate.TransferTerminated(f) })
	default:
		t.log.WithError(err).Error("transfer failed")
		f.loop.Post(func() { f.delegate.TransferComplete(f, false) })
	}
}

type statusError struct {
	code int
}

func (e statusError) Error() string { return fmt.Sprintf("unexpected http status %d", e.code) }

// retryable reports whether a transfer broken by err may be resumed.
func retryable(err error) bool {
	if err == errAborted {
		return false
	}
	if se, ok := errors.Cause(err).(statusError); ok {
		return se.code >= 500
	}
	return true
}

func (t *transfer) fetch() error {
	f := t.fetcher
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	start := t.offset + t.received
	switch {
	case t.length > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, t.offset+t.length-1))
	case start > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()
	t.setCode(resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
		if start > 0 {
			// The server ignored the range.
			if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
				return errors.Wrap(err, "skip to offset")
			}
		}
	case http.StatusPartialContent:
	default:
		return statusError{code: resp.StatusCode}
	}

	buf := make([]byte, chunkSize)
	for {
		if !t.pause.wait(t.ctx) {
			return t.ctx.Err()
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ok, err := t.deliver(chunk)
			if err != nil {
				return err
			}
			if !ok {
				return errAborted
			}
			t.received += int64(n)
			if t.length > 0 && t.received >= t.length {
				return nil
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.Wrap(rerr, "read body")
		}
	}
}

// deliver hands chunk to the delegate on the loop and waits for its answer.
func (t *transfer) deliver(chunk []byte) (bool, error) {
	f := t.fetcher
	ack := make(chan bool, 1)
	f.loop.Post(func() {
		if t.ctx.Err() != nil {
			ack <- false
			return
		}
		ack <- f.delegate.ReceivedBytes(f, chunk)
	})
	select {
	case ok := <-ack:
		return ok, nil
	case <-t.ctx.Done():
		return false, t.ctx.Err()
	}
}

func (t *transfer) setCode(code int) {
	f := t.fetcher
	f.loop.Post(func() { f.httpCode = code })
}

// pauser blocks the reading goroutine while the transfer is paused.
type pauser struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauser() *pauser {
	return &pauser{resume: make(chan struct{})}
}

func (p *pauser) set(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused == p.paused {
		return
	}
	p.paused = paused
	if !paused {
		close(p.resume)
		p.resume = make(chan struct{})
	}
}

// wait returns once the transfer is not paused, or false if ctx is done.
func (p *pauser) wait(ctx context.Context) bool {
	for {
		p.mu.Lock()
		paused, resume := p.paused, p.resume
		p.mu.Unlock()
		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
	}
}
