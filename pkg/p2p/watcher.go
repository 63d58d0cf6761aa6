package p2p

import (
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
)

// retryDelay spaces out requests that policy failed to answer.
const retryDelay = time.Minute

// Watcher keeps the P2P service in line with policy. It asks whether P2P is
// enabled, then waits for the answer to change, for as long as it runs.
type Watcher struct {
	log  logging.Logger
	loop loop.Loop
	um   *policy.UpdateManager
	m    Manager

	req   *policy.AsyncRequest
	retry loop.TaskID
}

func NewWatcher(log logging.Logger, l loop.Loop, um *policy.UpdateManager, m Manager) *Watcher {
	return &Watcher{log: log, loop: l, um: um, m: m}
}

// Start publishes the stored preference to policy and begins watching. It
// must be called on the loop.
func (w *Watcher) Start() {
	w.um.State().Updater.P2PEnabled.SetValue(w.m.Preference())
	w.req = policy.AsyncPolicyRequest[bool](w.um, policy.P2PEnabled{}, func(status policy.EvalStatus, enabled bool) {
		if status != policy.Succeeded {
			enabled = false
		}
		w.apply(enabled)
		w.watch(enabled)
	})
}

// Stop cancels the pending request.
func (w *Watcher) Stop() {
	if w.req != nil {
		w.req.Cancel()
		w.req = nil
	}
	if w.retry != loop.NoTask {
		w.loop.Cancel(w.retry)
		w.retry = loop.NoTask
	}
}

// SetPreference stores the local opt-in and lets policy reconsider.
func (w *Watcher) SetPreference(enabled bool) error {
	if err := w.m.SetPreference(enabled); err != nil {
		return err
	}
	w.um.State().Updater.P2PEnabled.SetValue(enabled)
	return nil
}

func (w *Watcher) watch(prev bool) {
	w.req = policy.AsyncPolicyRequest[bool](w.um, policy.P2PEnabledChanged{Previous: prev}, func(status policy.EvalStatus, enabled bool) {
		if status != policy.Succeeded {
			w.log.WithField("status", status).Warn("p2p policy unanswered, retrying later")
			w.retry = w.loop.PostDelayed(retryDelay, func() {
				w.retry = loop.NoTask
				w.watch(prev)
			})
			return
		}
		if enabled != prev {
			w.apply(enabled)
			prev = enabled
		}
		w.watch(prev)
	})
}

func (w *Watcher) apply(enabled bool) {
	log := w.log.WithField("enabled", enabled)
	log.Info("p2p state decided")
	w.m.SetEnabled(enabled)
	if enabled {
		if err := w.m.PerformHousekeeping(); err != nil {
			log.WithError(err).Warn("unable to clean up shared files")
		}
		if err := w.m.EnsureP2PRunning(); err != nil {
			log.WithError(err).Error("unable to start p2p service")
		}
		return
	}
	if err := w.m.EnsureP2PNotRunning(); err != nil {
		log.WithError(err).Error("unable to stop p2p service")
	}
}
