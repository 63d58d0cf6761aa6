package updatecheck

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hardware"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payloadstate"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/sirupsen/logrus"
)

const (
	// StagingFile is the name of the staging file in the staging directory.
	StagingFile = "payload.bin"
	// P2PLookupTimeout bounds the search for a peer sharing the payload.
	P2PLookupTimeout = 5 * time.Minute
)

// PeerLookup finds payloads shared by peers on the local network.
type PeerLookup interface {
	LookupURLForFile(ctx context.Context, fileID string, minSize int64) (string, error)
}

// HandlerDeps are the collaborators of a ResponseHandlerAction.
type HandlerDeps struct {
	Loop         loop.Loop
	Manager      *policy.UpdateManager
	PayloadState *payloadstate.State
	BootControl  bootcontrol.BootControl
	Hardware     hardware.Hardware
	Prefs        prefs.Prefs
	// Peers is nil when P2P is not available.
	Peers      PeerLookup
	StagingDir string
}

// ResponseHandlerAction turns an update response into an install plan,
// asking the policy whether the update may be downloaded, started and
// applied.
type ResponseHandlerAction struct {
	action.Input[*Response]
	action.Output[*payload.InstallPlan]

	log         logging.Logger
	deps        HandlerDeps
	interactive bool

	done       action.Completer
	cancel     context.CancelFunc
	terminated bool
}

var (
	_ action.InputAction[*Response]             = (*ResponseHandlerAction)(nil)
	_ action.OutputAction[*payload.InstallPlan] = (*ResponseHandlerAction)(nil)
)

func NewResponseHandlerAction(log logging.Logger, deps HandlerDeps, interactive bool) *ResponseHandlerAction {
	return &ResponseHandlerAction{log: log, deps: deps, interactive: interactive}
}

func (*ResponseHandlerAction) Type() action.Type { return action.TypeResponseHandler }

func (*ResponseHandlerAction) SuspendAction() {}
func (*ResponseHandlerAction) ResumeAction()  {}

func (a *ResponseHandlerAction) TerminateProcessing() {
	if a.cancel == nil {
		return
	}
	a.terminated = true
	a.cancel()
}

// P2PFileID names a payload among peers.
func P2PFileID(p payload.Payload) string {
	return fmt.Sprintf("retriever_update_size_%d_hash_%s", p.Size, p.Hash)
}

func (a *ResponseHandlerAction) PerformAction(done action.Completer) {
	a.done = done
	resp := a.InputObject()
	if resp == nil {
		a.log.Error("no update response to handle")
		done.Complete(errorcode.Error)
		return
	}
	if !resp.UpdateExists() {
		a.log.Info("no update available")
		done.Complete(errorcode.NoUpdate)
		return
	}

	ps := a.deps.PayloadState
	same := ps.SetResponse(payloadstate.Response{
		Signature:             resp.Signature(),
		URLs:                  resp.Payloads[0].URLs,
		IsDelta:               resp.IsDelta(),
		MaxFailuresPerURL:     resp.MaxFailureCountPerURL,
		DisableBackoff:        resp.DisablePayloadBackoff,
		DisableP2PDownloading: resp.DisableP2PForDownloading,
		DisableP2PSharing:     resp.DisableP2PForSharing,
		MaxScatterWait:        time.Duration(resp.MaxDaysToScatter) * 24 * time.Hour,
	})

	plan, code := a.buildPlan(resp, same)
	if code != errorcode.Success {
		done.Complete(code)
		return
	}

	var allowed bool
	if _, err := policy.PolicyRequest(a.deps.Manager, policy.UpdateDownloadAllowed{}, &allowed); err != nil {
		a.log.WithError(err).Error("unable to decide whether the update may be downloaded")
		done.Complete(errorcode.Error)
		return
	}
	if !allowed {
		a.log.Info("update ignored over the current connection")
		a.SetOutputObject(plan)
		done.Complete(errorcode.UpdateIgnoredOverCellular)
		return
	}

	var params policy.UpdateDownloadParams
	req := policy.UpdateCanStart{State: ps.UpdateState(a.interactive)}
	if _, err := policy.PolicyRequest(a.deps.Manager, req, &params); err != nil {
		a.log.WithError(err).Error("unable to decide whether the update can start")
		done.Complete(errorcode.Error)
		return
	}
	ps.ApplyDownloadParams(params)
	plan.DownloadURL = ps.CurrentURL()
	plan.URLIndex = ps.URLIndex()
	if !params.UpdateCanStart {
		code := cannotStartCode(params.CannotStartReason)
		a.log.WithFields(logrus.Fields{
			"reason": params.CannotStartReason,
			"code":   code,
		}).Info("update cannot start yet")
		a.SetOutputObject(plan)
		done.Complete(code)
		return
	}

	applyCode := errorcode.Success
	if _, err := policy.PolicyRequest(a.deps.Manager, policy.UpdateCanBeApplied{Plan: plan}, &applyCode); err != nil {
		a.log.WithError(err).Error("unable to decide whether the update can be applied")
		done.Complete(errorcode.Error)
		return
	}
	if applyCode != errorcode.Success {
		a.log.WithField("code", applyCode).Info("update may not be applied now")
		a.SetOutputObject(plan)
		done.Complete(applyCode)
		return
	}

	plan.ShareOverP2P = params.P2PSharingAllowed && a.deps.Peers != nil
	ps.SetUsingP2PForSharing(plan.ShareOverP2P)
	ps.SetUsingP2PForDownloading("")
	if params.P2PDownloadingAllowed && a.deps.Peers != nil {
		a.lookupPeer(plan, params.DownloadURLAllowed)
		return
	}
	if !params.DownloadURLAllowed {
		a.log.Info("no usable download url")
		a.SetOutputObject(plan)
		done.Complete(errorcode.UpdateDeferredPerPolicy)
		return
	}
	a.finish(plan)
}

func cannotStartCode(reason policy.CannotStartReason) errorcode.Code {
	if reason == policy.CannotStartBackoff {
		return errorcode.UpdateDeferredForBackoff
	}
	return errorcode.UpdateDeferredPerPolicy
}

func (a *ResponseHandlerAction) buildPlan(resp *Response, same bool) (*payload.InstallPlan, errorcode.Code) {
	bc := a.deps.BootControl
	plan := &payload.InstallPlan{
		Version:            resp.Version,
		Payloads:           resp.payloads(),
		Partitions:         resp.partitions(),
		SourceSlot:         bootcontrol.InvalidSlot,
		TargetSlot:         bootcontrol.OtherSlot(bc),
		PowerwashRequired:  resp.Powerwash,
		RunPostInstall:     true,
		SwitchSlotOnReboot: true,
	}
	if a.deps.StagingDir != "" {
		plan.StagingPath = filepath.Join(a.deps.StagingDir, StagingFile)
	}
	plan.P2PFileID = P2PFileID(plan.Payloads[0])
	if resp.IsDelta() {
		plan.SourceSlot = bc.GetCurrentSlot()
	}
	if !plan.TargetSlot.Valid() {
		a.log.Error("no slot to install the update to")
		return nil, errorcode.InstallPlanError
	}

	for _, p := range plan.Payloads {
		if p.Partition == "" {
			if plan.StagingPath == "" {
				a.log.Error("payload without a partition and no staging directory")
				return nil, errorcode.InstallPlanError
			}
			continue
		}
		if _, ok := plan.Partition(p.Partition); !ok {
			plan.Partitions = append(plan.Partitions, payload.Partition{Name: p.Partition, TargetSize: p.Size})
		}
	}
	if err := plan.LoadPartitionsFromSlots(bc); err != nil {
		a.log.WithError(err).Error("unable to resolve partitions")
		return nil, errorcode.InstallPlanError
	}

	plan.HashChecksMandatory = a.deps.Hardware.IsOfficialBuild()
	for _, p := range plan.Payloads {
		for _, u := range p.URLs {
			if strings.HasPrefix(strings.ToLower(u), "http://") {
				plan.HashChecksMandatory = true
			}
		}
	}
	plan.IsResume = same && prefs.Int64Or(a.deps.Prefs, prefs.KeyUpdateStateNextDataOffset, 0) > 0
	return plan, errorcode.Success
}

func (a *ResponseHandlerAction) lookupPeer(plan *payload.InstallPlan, httpAllowed bool) {
	a.deps.PayloadState.P2PNewAttempt()
	ctx, cancel := context.WithTimeout(context.Background(), P2PLookupTimeout)
	a.cancel = cancel
	fileID := plan.P2PFileID
	size := plan.Payloads[0].Size
	a.log.WithField("file", fileID).Info("looking for a peer sharing the payload")
	go func() {
		url, err := a.deps.Peers.LookupURLForFile(ctx, fileID, size)
		a.deps.Loop.Post(func() { a.peerFound(plan, url, err, httpAllowed) })
	}()
}

func (a *ResponseHandlerAction) peerFound(plan *payload.InstallPlan, url string, err error, httpAllowed bool) {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.terminated {
		a.done.Complete(errorcode.UserCanceled)
		return
	}
	switch {
	case err == nil && url != "":
		a.log.WithField("url", url).Info("downloading from peer")
		a.deps.PayloadState.SetUsingP2PForDownloading(url)
		plan.DownloadURL = url
	case !httpAllowed:
		a.log.WithError(err).Info("no peer found and http downloads are not allowed")
		a.SetOutputObject(plan)
		a.done.Complete(errorcode.UpdateDeferredPerPolicy)
		return
	default:
		a.log.WithError(err).Info("no peer found, downloading from server")
	}
	a.finish(plan)
}

func (a *ResponseHandlerAction) finish(plan *payload.InstallPlan) {
	plan.Dump(a.log)
	a.SetOutputObject(plan)
	a.done.Complete(errorcode.Success)
}
