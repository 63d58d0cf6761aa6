package bootcontrol

import (
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"gotest.tools/assert"
)

type doneRecorder struct {
	codes chan errorcode.Code
}

func (d *doneRecorder) Complete(code errorcode.Code) { d.codes <- code }

func TestUpdateBootFlagsOnce(t *testing.T) {
	ResetBootFlags()
	defer ResetBootFlags()

	log := testoutput.Logger(t, "bootflags")
	fl := loop.NewFake(clock.NewFake(time.Now()))
	stub := NewStub(2, 0)

	first := NewUpdateBootFlagsAction(log, stub, fl)
	rec := &doneRecorder{codes: make(chan errorcode.Code, 2)}
	first.PerformAction(rec)

	// Completion is posted from the marking goroutine.
	deadline := time.Now().Add(5 * time.Second)
	for fl.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fl.RunUntilIdle()
	assert.Equal(t, <-rec.codes, errorcode.Success)
	assert.Check(t, stub.BootSuccessful())

	second := NewUpdateBootFlagsAction(log, stub, fl)
	second.PerformAction(rec)
	assert.Equal(t, <-rec.codes, errorcode.Success)
	assert.Equal(t, fl.Pending(), 0)
}

var _ action.Completer = (*doneRecorder)(nil)
