package action

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handle addresses an action enqueued in a Processor.
type Handle int

// NoHandle is the handle of no action.
const NoHandle Handle = -1

// Delegate receives the results of a Processor's run.
type Delegate interface {
	// ActionCompleted is called once for every action that was started,
	// before the next action is started.
	ActionCompleted(p *Processor, a Action, code errorcode.Code)
	// ProcessingDone is called when the queue is exhausted or an action
	// failed.
	ProcessingDone(p *Processor, code errorcode.Code)
	// ProcessingStopped is called instead of ProcessingDone when the run was
	// stopped.
	ProcessingStopped(p *Processor)
}

var (
	errRunning    = errors.New("processor is already running")
	errEmptyQueue = errors.New("no actions to process")
)

// Processor runs enqueued actions one at a time, front to back.
type Processor struct {
	log      logging.Logger
	delegate Delegate

	// arena holds every action enqueued since the last run finished, the
	// queue holds the handles not yet started.
	arena   []Action
	queue   *linkedlistqueue.Queue
	current Handle
	token   *completion

	stopping  bool
	suspended bool
	// held is a completion that arrived while suspended.
	held *errorcode.Code
}

// NewProcessor creates an idle Processor.
func NewProcessor(log logging.Logger) *Processor {
	return &Processor{
		log:     log,
		queue:   linkedlistqueue.New(),
		current: NoHandle,
	}
}

// SetDelegate sets the receiver of run results. It may be nil.
func (p *Processor) SetDelegate(d Delegate) {
	p.delegate = d
}

// EnqueueAction appends a to the queue.
func (p *Processor) EnqueueAction(a Action) Handle {
	h := Handle(len(p.arena))
	p.arena = append(p.arena, a)
	p.queue.Enqueue(h)
	if logging.Debuggable {
		p.log.WithFields(logrus.Fields{
			"action": a.Type(),
			"handle": h,
		}).Debug("enqueued action")
	}
	return h
}

// IsRunning reports whether an action is in progress.
func (p *Processor) IsRunning() bool {
	return p.current != NoHandle
}

// CurrentAction returns the running action or nil.
func (p *Processor) CurrentAction() Action {
	if p.current == NoHandle {
		return nil
	}
	return p.arena[p.current]
}

// Action returns the action enqueued under h in the current run.
func (p *Processor) Action(h Handle) Action {
	if h < 0 || int(h) >= len(p.arena) {
		return nil
	}
	return p.arena[h]
}

// Len is the number of actions not yet started.
func (p *Processor) Len() int {
	return p.queue.Size()
}

// StartProcessing performs the first queued action.
func (p *Processor) StartProcessing() error {
	if p.IsRunning() {
		p.log.WithError(errRunning).Error("unable to start processing")
		return errRunning
	}
	if p.queue.Empty() {
		p.log.WithError(errEmptyQueue).Error("unable to start processing")
		return errEmptyQueue
	}
	p.log.Info("starting processing")
	p.startNext()
	return nil
}

func (p *Processor) startNext() {
	v, _ := p.queue.Dequeue()
	h := v.(Handle)
	a := p.arena[h]
	p.current = h
	p.token = &completion{processor: p, handle: h}
	p.log.WithField("action", a.Type()).Info("starting action")
	a.PerformAction(p.token)
}

// StopProcessing terminates the current action and drops the rest of the
// queue. ProcessingStopped is delivered once the current action completes.
func (p *Processor) StopProcessing() {
	if !p.IsRunning() {
		p.log.Debug("stop requested while idle")
		p.clear()
		return
	}
	if p.stopping {
		return
	}
	p.stopping = true
	a := p.CurrentAction()
	p.log.WithField("action", a.Type()).Info("stopping processing")
	p.queue.Clear()
	if p.held != nil {
		code := *p.held
		p.held = nil
		p.suspended = false
		p.finish(p.current, code)
		return
	}
	p.suspended = false
	a.TerminateProcessing()
}

// SuspendProcessing pauses the current action.
func (p *Processor) SuspendProcessing() {
	if !p.IsRunning() || p.suspended {
		return
	}
	p.suspended = true
	p.log.Info("suspending processing")
	p.CurrentAction().SuspendAction()
}

// ResumeProcessing continues a suspended action, or delivers a completion
// that arrived while it was suspended.
func (p *Processor) ResumeProcessing() {
	if !p.suspended {
		return
	}
	p.suspended = false
	p.log.Info("resuming processing")
	if p.held != nil {
		code := *p.held
		p.held = nil
		p.finish(p.current, code)
		return
	}
	p.CurrentAction().ResumeAction()
}

func (p *Processor) complete(c *completion, code errorcode.Code) {
	if c != p.token {
		p.log.WithFields(logrus.Fields{
			"handle": c.handle,
			"code":   code,
		}).Warn("ignoring completion of an action that is not running")
		return
	}
	h := c.handle
	if p.suspended {
		p.log.WithField("code", code).Info("action completed while suspended")
		p.held = &code
		return
	}
	p.finish(h, code)
}

func (p *Processor) finish(h Handle, code errorcode.Code) {
	a := p.arena[h]
	if c, ok := a.(outputCommitter); ok {
		c.commitOutput()
	}
	p.current = NoHandle
	p.token = nil

	log := p.log.WithFields(logrus.Fields{
		"action": a.Type(),
		"code":   code,
	})
	if code.IsSuccess() {
		log.Info("action completed")
	} else {
		log.Warn("action failed")
	}

	if p.delegate != nil {
		p.delegate.ActionCompleted(p, a, code)
	}

	if p.stopping {
		p.stopping = false
		p.clear()
		if p.delegate != nil {
			p.delegate.ProcessingStopped(p)
		}
		return
	}
	// The delegate may have stopped processing or enqueued more work.
	if p.IsRunning() {
		return
	}
	if code.IsSuccess() && !p.queue.Empty() {
		p.startNext()
		return
	}

	p.log.WithField("code", code).Info("processing done")
	p.clear()
	if p.delegate != nil {
		p.delegate.ProcessingDone(p, code)
	}
}

func (p *Processor) clear() {
	p.queue.Clear()
	p.arena = nil
}

// completion is the one-shot Completer for a single started action.
type completion struct {
	processor *Processor
	handle    Handle
	done      bool
}

func (c *completion) Complete(code errorcode.Code) {
	if c.done {
		c.processor.log.WithField("code", code).Error("action completed more than once")
		return
	}
	c.done = true
	c.processor.complete(c, code)
}
