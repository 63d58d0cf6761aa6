package payload

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
)

// InstallPlanAction feeds a prepared plan into the pipeline, as a rollback
// does in place of an update check.
type InstallPlanAction struct {
	action.Base
	action.Output[*InstallPlan]
	plan *InstallPlan
}

var _ action.OutputAction[*InstallPlan] = (*InstallPlanAction)(nil)

func NewInstallPlanAction(plan *InstallPlan) *InstallPlanAction {
	return &InstallPlanAction{plan: plan}
}

func (*InstallPlanAction) Type() action.Type { return action.TypeInstallPlan }

func (a *InstallPlanAction) PerformAction(done action.Completer) {
	if a.HasOutputPipe() {
		a.SetOutputObject(a.plan)
	}
	done.Complete(errorcode.Success)
}
