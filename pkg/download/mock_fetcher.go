package download

import (
	"net/http"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
)

// MockFetcher serves in-memory resources, delivering one chunk per turn of
// the loop.
type MockFetcher struct {
	loop      loop.Loop
	resources map[string][]byte

	// ChunkSize is the size of each delivered chunk.
	ChunkSize int
	// Failing resources end with TransferComplete(false) after their data.
	Failing map[string]bool
	// URLs records every transfer begun.
	URLs []string

	delegate   FetcherDelegate
	offset     int64
	length     int64
	httpCode   int
	data       []byte
	fail       bool
	paused     bool
	stalled    bool
	terminated bool
	active     bool
}

var _ Fetcher = (*MockFetcher)(nil)

// NewMockFetcher serves resources, keyed by URL, on l.
func NewMockFetcher(l loop.Loop, resources map[string][]byte) *MockFetcher {
	return &MockFetcher{
		loop:      l,
		resources: resources,
		ChunkSize: 4096,
		Failing:   make(map[string]bool),
	}
}

func (m *MockFetcher) SetDelegate(d FetcherDelegate) { m.delegate = d }
func (m *MockFetcher) SetOffset(offset int64)        { m.offset = offset }
func (m *MockFetcher) SetLength(length int64)        { m.length = length }
func (m *MockFetcher) HTTPResponseCode() int         { return m.httpCode }

func (m *MockFetcher) BeginTransfer(url string) {
	m.URLs = append(m.URLs, url)
	m.terminated = false
	m.active = true
	data, ok := m.resources[url]
	if !ok {
		m.httpCode = http.StatusNotFound
		m.loop.Post(func() { m.end(false) })
		return
	}
	if m.offset > 0 {
		m.httpCode = http.StatusPartialContent
	} else {
		m.httpCode = http.StatusOK
	}
	if m.offset > int64(len(data)) {
		data = nil
	} else {
		data = data[m.offset:]
	}
	if m.length > 0 && m.length < int64(len(data)) {
		data = data[:m.length]
	}
	m.data = data
	m.fail = m.Failing[url]
	m.loop.Post(m.step)
}

func (m *MockFetcher) step() {
	if !m.active {
		return
	}
	if m.terminated {
		m.active = false
		m.delegate.TransferTerminated(m)
		return
	}
	if m.paused {
		m.stalled = true
		return
	}
	if len(m.data) == 0 {
		m.end(!m.fail)
		return
	}
	n := m.ChunkSize
	if n > len(m.data) {
		n = len(m.data)
	}
	chunk := m.data[:n]
	m.data = m.data[n:]
	if !m.delegate.ReceivedBytes(m, chunk) {
		m.active = false
		m.delegate.TransferTerminated(m)
		return
	}
	m.loop.Post(m.step)
}

func (m *MockFetcher) end(success bool) {
	m.active = false
	m.delegate.TransferComplete(m, success)
}

func (m *MockFetcher) TerminateTransfer() {
	m.terminated = true
	if m.stalled {
		m.stalled = false
		m.loop.Post(m.step)
	}
}

func (m *MockFetcher) Pause() { m.paused = true }

func (m *MockFetcher) Unpause() {
	m.paused = false
	if m.stalled {
		m.stalled = false
		m.loop.Post(m.step)
	}
}
