package updatecheck

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestClientCheck(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, r.Method == http.MethodPost)
		body, _ := ioutil.ReadAll(r.Body)
		assert.Check(t, json.Unmarshal(body, &got))
		json.NewEncoder(w).Encode(testResponse())
	}))
	defer srv.Close()

	c := NewClient(testoutput.Logger(t, "client"), 0)
	params := Params{AppID: "retriever", AppVersion: "1.1.0", Channel: "stable", Interactive: true}
	resp, code, err := c.Send(context.Background(), srv.URL, params.NewRequest(nil, false))
	assert.NilError(t, err)
	assert.Equal(t, code, http.StatusOK)
	assert.Check(t, resp.UpdateExists())
	assert.Equal(t, resp.Version, "1.2.0")
	assert.Equal(t, got.Version, "1.1.0")
	assert.Equal(t, got.Channel, "stable")
	assert.Check(t, got.UpdateCheck)
	assert.Check(t, got.Interactive)
	assert.Check(t, got.Event == nil)
}

func TestClientErrors(t *testing.T) {
	status := http.StatusOK
	body := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()
	c := NewClient(testoutput.Logger(t, "client"), 0)
	check := Params{}.NewRequest(nil, false)
	event := Params{}.NewRequest(&Event{Type: EventUpdateComplete, Result: EventResultError, ErrorCode: errorcode.DownloadTransferError}, false)

	_, code, err := c.Send(context.Background(), srv.URL, check)
	assert.Equal(t, code, http.StatusOK)
	assert.Check(t, errors.Cause(err) == ErrEmptyResponse)

	resp, _, err := c.Send(context.Background(), srv.URL, event)
	assert.NilError(t, err)
	assert.Check(t, resp == nil)

	body = "<html>"
	_, _, err = c.Send(context.Background(), srv.URL, check)
	assert.Check(t, errors.Cause(err) == ErrParse)

	status = http.StatusServiceUnavailable
	_, code, err = c.Send(context.Background(), srv.URL, check)
	assert.Equal(t, code, http.StatusServiceUnavailable)
	assert.ErrorContains(t, err, "503")
}

func TestResponseValidate(t *testing.T) {
	assert.NilError(t, testResponse().Validate())
	assert.NilError(t, (&Response{Status: StatusNoUpdate}).Validate())

	bad := map[string]func(*Response){
		"status":  func(r *Response) { r.Status = "maybe" },
		"version": func(r *Response) { r.Version = "" },
		"payload": func(r *Response) { r.Payloads = nil },
		"urls":    func(r *Response) { r.Payloads[0].URLs = nil },
		"hash":    func(r *Response) { r.Payloads[0].Hash = "abc" },
		"type":    func(r *Response) { r.Payloads[0].Type = "patch" },
	}
	for name, mutate := range bad {
		r := testResponse()
		mutate(r)
		assert.Check(t, r.Validate() != nil, name)
	}
}

func TestResponseSignature(t *testing.T) {
	a, b := testResponse(), testResponse()
	assert.Equal(t, a.Signature(), b.Signature())
	b.Payloads[0].URLs = b.Payloads[0].URLs[:1]
	assert.Check(t, a.Signature() != b.Signature())
	assert.Check(t, !a.IsDelta())
	a.Payloads[0].Type = "delta"
	assert.Check(t, a.IsDelta())
}
