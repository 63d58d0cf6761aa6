// Package action provides typed units of work and the processor that runs
// them in sequence.
package action

import (
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
)

// Type discriminates the concrete actions of an update attempt.
type Type int

const (
	TypeUnknown Type = iota
	TypeUpdateCheck
	TypeResponseHandler
	TypeUpdateBootFlags
	TypeDownload
	TypeFilesystemVerifier
	TypePostinstallRunner
	TypeInstallPlan
)

func (t Type) String() string {
	switch t {
	case TypeUpdateCheck:
		return "UpdateCheckAction"
	case TypeResponseHandler:
		return "ResponseHandlerAction"
	case TypeUpdateBootFlags:
		return "UpdateBootFlagsAction"
	case TypeDownload:
		return "DownloadAction"
	case TypeFilesystemVerifier:
		return "FilesystemVerifierAction"
	case TypePostinstallRunner:
		return "PostinstallRunnerAction"
	case TypeInstallPlan:
		return "InstallPlanAction"
	}
	return "UnknownAction"
}

// Action is a unit of work run by a Processor.
type Action interface {
	Type() Type
	// PerformAction starts the work. The action must call done.Complete
	// exactly once, either before returning or later from the loop.
	PerformAction(done Completer)
	// TerminateProcessing asks a running action to stop early. The action
	// still completes through its Completer.
	TerminateProcessing()
	SuspendAction()
	ResumeAction()
}

// Completer is handed to a running action to report its result.
type Completer interface {
	Complete(code errorcode.Code)
}

// Base supplies no-op lifecycle hooks for actions that cannot be paused or
// interrupted.
type Base struct{}

func (Base) TerminateProcessing() {}
func (Base) SuspendAction()       {}
func (Base) ResumeAction()        {}
