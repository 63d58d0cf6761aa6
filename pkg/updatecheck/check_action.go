package updatecheck

import (
	"context"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type mode int

const (
	modeCheck mode = iota
	modeEvent
	// modePing is an event whose failure does not fail the attempt.
	modePing
)

// CheckAction sends one request to the update server. In check mode it
// outputs the server's Response.
type CheckAction struct {
	action.Output[*Response]

	log       logging.Logger
	loop      loop.Loop
	transport Transport
	params    Params
	event     *Event
	mode      mode

	done       action.Completer
	cancel     context.CancelFunc
	terminated bool
	httpCode   int
}

var _ action.OutputAction[*Response] = (*CheckAction)(nil)

// NewCheckAction asks the server for an update.
func NewCheckAction(log logging.Logger, l loop.Loop, t Transport, params Params) *CheckAction {
	return &CheckAction{log: log, loop: l, transport: t, params: params, mode: modeCheck}
}

// NewEventAction reports event. Its failure fails the action.
func NewEventAction(log logging.Logger, l loop.Loop, t Transport, params Params, event *Event) *CheckAction {
	return &CheckAction{log: log, loop: l, transport: t, params: params, event: event, mode: modeEvent}
}

// NewPingAction reports event, or pings if event is nil, without ever
// failing.
func NewPingAction(log logging.Logger, l loop.Loop, t Transport, params Params, event *Event) *CheckAction {
	return &CheckAction{log: log, loop: l, transport: t, params: params, event: event, mode: modePing}
}

func (*CheckAction) Type() action.Type { return action.TypeUpdateCheck }

// IsEvent reports whether the action reports an event instead of checking.
func (a *CheckAction) IsEvent() bool {
	return a.mode != modeCheck
}

// Event returns the reported event, if any.
func (a *CheckAction) Event() *Event {
	return a.event
}

// HTTPResponseCode is the status code of the server's answer, or 0.
func (a *CheckAction) HTTPResponseCode() int {
	return a.httpCode
}

func (a *CheckAction) PerformAction(done action.Completer) {
	a.done = done
	req := a.params.NewRequest(a.event, a.mode == modePing && a.event == nil)
	url := a.params.ServerURL

	log := a.log.WithFields(logrus.Fields{"url": url, "event": a.IsEvent()})
	if a.event != nil {
		log = log.WithFields(logrus.Fields{"type": a.event.Type, "result": a.event.Result, "code": a.event.ErrorCode})
	}
	log.Info("sending request to update server")

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		resp, code, err := a.transport.Send(ctx, url, req)
		a.loop.Post(func() { a.completed(resp, code, err) })
	}()
}

func (a *CheckAction) TerminateProcessing() {
	if a.cancel == nil {
		return
	}
	a.terminated = true
	a.cancel()
}

func (*CheckAction) SuspendAction() {}
func (*CheckAction) ResumeAction()  {}

func (a *CheckAction) completed(resp *Response, httpCode int, err error) {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.httpCode = httpCode
	a.done.Complete(a.result(resp, httpCode, err))
}

func (a *CheckAction) result(resp *Response, httpCode int, err error) errorcode.Code {
	if a.terminated {
		a.log.Info("request canceled")
		return errorcode.UserCanceled
	}
	if a.IsEvent() {
		if err == nil {
			return errorcode.Success
		}
		if a.mode == modePing {
			a.log.WithError(err).Warn("unable to send ping, continuing")
			return errorcode.Success
		}
		a.log.WithError(err).Error("unable to send event")
		return errorcode.EventSendError
	}

	if err != nil {
		a.log.WithError(err).WithField("status", httpCode).Error("update check failed")
		switch {
		case errors.Cause(err) == ErrEmptyResponse:
			return errorcode.RequestEmptyResponse
		case errors.Cause(err) == ErrParse:
			return errorcode.RequestParseError
		case httpCode != 0:
			return errorcode.HTTPResponseError
		}
		return errorcode.Error
	}
	if resp == nil {
		return errorcode.RequestEmptyResponse
	}
	if verr := resp.Validate(); verr != nil {
		a.log.WithError(verr).Error("invalid update response")
		return errorcode.ResponseInvalid
	}
	a.log.WithFields(logrus.Fields{
		"status":  resp.Status,
		"version": resp.Version,
	}).Info("update check complete")
	a.SetOutputObject(resp)
	return errorcode.Success
}
