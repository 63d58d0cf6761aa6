package policy

import (
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
)

var testEpoch = time.Date(2020, time.March, 4, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	log   logging.Logger
	clock *clock.Fake
	loop  *loop.Fake
	state *State
}

func newTestEnv(t *testing.T) *testEnv {
	c := clock.NewFake(testEpoch)
	return &testEnv{
		log:   testoutput.Logger(t, "policy"),
		clock: c,
		loop:  loop.NewFake(c),
		state: NewState(c, StateOptions{OfficialBuild: true, NumSlots: 2, Seed: 42}),
	}
}

func (e *testEnv) context() *EvaluationContext {
	return newEvaluationContext(e.log, e.clock, e.loop, DefaultEvaluationTimeout, 0)
}

func (e *testEnv) manager(p Policy, opts ...Option) *UpdateManager {
	return NewUpdateManager(e.log, e.clock, e.loop, e.state, p, opts...)
}

// funcPolicy answers UpdateCheckAllowed with a function and defers the rest
// to Continue.
type funcPolicy struct {
	continuePolicy
	check func(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error)
	calls int
}

func (*funcPolicy) Name() string { return "funcPolicy" }

func (p *funcPolicy) UpdateCheckAllowed(ec *EvaluationContext, st *State, result *UpdateCheckParams) (EvalStatus, error) {
	p.calls++
	return p.check(ec, st, result)
}

func (*funcPolicy) UpdateCanBeApplied(ec *EvaluationContext, st *State, result *errorcode.Code, plan *payload.InstallPlan) (EvalStatus, error) {
	*result = errorcode.UpdateIgnoredPerPolicy
	return Succeeded, nil
}
