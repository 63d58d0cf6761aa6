package updatecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds a whole request.
	DefaultTimeout  = 2 * time.Minute
	maxResponseSize = 1 << 20
	userAgent       = "retriever"
)

var (
	// ErrEmptyResponse is returned when an update check got no body.
	ErrEmptyResponse = errors.New("empty response")
	// ErrParse is returned when the response body is not a response.
	ErrParse = errors.New("unable to parse response")
)

// Transport sends requests to an update server.
type Transport interface {
	// Send posts req to url. It returns the HTTP status code when the
	// server answered, even with an error. Event requests may return a
	// nil response.
	Send(ctx context.Context, url string, req *Request) (*Response, int, error)
}

// Client is the HTTP Transport.
type Client struct {
	log  logging.Logger
	http *http.Client
}

var _ Transport = (*Client)(nil)

// NewClient creates a Client whose requests time out after timeout.
func NewClient(log logging.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{log: log, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Send(ctx context.Context, url string, req *Request) (*Response, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode request")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, errors.Wrap(err, "create request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("User-Agent", userAgent)

	log := c.log.WithFields(logrus.Fields{
		"url":   url,
		"event": req.IsEvent(),
	})
	if logging.Debuggable {
		log.WithField("body", string(body)).Debug("sending request")
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, 0, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response")
	}
	log = log.WithField("status", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		log.Warn("update server returned an error")
		return nil, resp.StatusCode, errors.Errorf("update server returned %s", resp.Status)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if req.IsEvent() {
			return nil, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, ErrEmptyResponse
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		if req.IsEvent() {
			log.WithError(err).Debug("ignoring unparseable event response")
			return nil, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, errors.Wrapf(ErrParse, "%v", err)
	}
	log.WithField("response", out.Status).Debug("received response")
	return &out, resp.StatusCode, nil
}
