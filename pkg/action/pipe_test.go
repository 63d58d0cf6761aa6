package action

import (
	"testing"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"gotest.tools/assert"
)

type producer struct {
	testAction
	Output[string]
}

type consumer struct {
	testAction
	Input[string]
}

func TestBondRoundTrip(t *testing.T) {
	p, _ := testProcessor(t)
	prod := &producer{}
	cons := &consumer{}
	Bond[string](prod, cons)

	var seen string
	var seenBefore bool
	prod.PerformFn = func(done Completer) {
		prod.SetOutputObject("first")
		prod.SetOutputObject("payload")
		seenBefore = cons.HasInputObject()
		done.Complete(errorcode.Success)
		prod.SetOutputObject("too late")
	}
	cons.PerformFn = func(done Completer) {
		seen = cons.InputObject()
		done.Complete(errorcode.Success)
	}
	p.EnqueueAction(prod)
	p.EnqueueAction(cons)
	assert.NilError(t, p.StartProcessing())

	assert.Check(t, !seenBefore)
	assert.Equal(t, seen, "payload")
	assert.Equal(t, cons.InputObject(), "payload")
}

func TestUnwrittenOutput(t *testing.T) {
	p, _ := testProcessor(t)
	prod := &producer{}
	cons := &consumer{}
	Bond[string](prod, cons)
	prod.PerformFn = completesWith(errorcode.Success)
	var had bool
	cons.PerformFn = func(done Completer) {
		had = cons.HasInputObject()
		done.Complete(errorcode.Success)
	}
	p.EnqueueAction(prod)
	p.EnqueueAction(cons)
	assert.NilError(t, p.StartProcessing())
	assert.Check(t, !had)
	assert.Equal(t, cons.InputObject(), "")
}
