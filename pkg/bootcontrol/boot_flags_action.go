package bootcontrol

import (
	"sync"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
)

// bootFlags records, for the life of the process, whether the current boot
// was marked successful.
var bootFlags struct {
	sync.Mutex
	updated bool
	running bool
}

// UpdateBootFlagsAction marks the running slot as successfully booted, once
// per process, before a new update is downloaded over the other slot.
type UpdateBootFlagsAction struct {
	action.Base
	log  logging.Logger
	bc   BootControl
	loop loop.Loop
	done action.Completer
}

var _ action.Action = (*UpdateBootFlagsAction)(nil)

func NewUpdateBootFlagsAction(log logging.Logger, bc BootControl, l loop.Loop) *UpdateBootFlagsAction {
	return &UpdateBootFlagsAction{log: log, bc: bc, loop: l}
}

func (*UpdateBootFlagsAction) Type() action.Type { return action.TypeUpdateBootFlags }

func (a *UpdateBootFlagsAction) PerformAction(done action.Completer) {
	a.done = done
	bootFlags.Lock()
	if bootFlags.running {
		bootFlags.Unlock()
		a.log.Info("boot flags update already in progress")
		done.Complete(errorcode.Success)
		return
	}
	if bootFlags.updated {
		bootFlags.Unlock()
		a.log.Info("boot flags already updated")
		done.Complete(errorcode.Success)
		return
	}
	bootFlags.running = true
	bootFlags.Unlock()

	a.log.Info("marking booted slot as good")
	go func() {
		err := a.bc.MarkBootSuccessful()
		a.loop.Post(func() { a.completed(err) })
	}()
}

func (a *UpdateBootFlagsAction) completed(err error) {
	bootFlags.Lock()
	bootFlags.running = false
	if err == nil {
		bootFlags.updated = true
	}
	bootFlags.Unlock()
	if err != nil {
		// A failure here should not block the update.
		a.log.WithError(err).Error("unable to mark boot successful")
	}
	a.done.Complete(errorcode.Success)
}

// ResetBootFlags forgets that the boot was marked, for tests.
func ResetBootFlags() {
	bootFlags.Lock()
	bootFlags.updated = false
	bootFlags.running = false
	bootFlags.Unlock()
}
