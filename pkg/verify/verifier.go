// Package verify reads back what the download wrote and checks it against the
// hashes of the install plan.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/action"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/errorcode"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payload"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const bufferSize = 128 * 1024

// ErrMismatch is returned when a target does not hash to its expected value.
var ErrMismatch = errors.New("hash mismatch")

// ProgressFunc receives the fraction of bytes verified.
type ProgressFunc func(fraction float64)

// target is one region to hash.
type target struct {
	name string
	path string
	size int64
	hash string
	// partition is set for raw images written to a slot.
	partition bool
}

// FilesystemVerifierAction hashes every payload written by the download, as
// stored on disk, and fails the attempt on a mismatch.
type FilesystemVerifierAction struct {
	action.Input[*payload.InstallPlan]
	action.Output[*payload.InstallPlan]

	log      logging.Logger
	loop     loop.Loop
	progress ProgressFunc

	done       action.Completer
	cancel     context.CancelFunc
	gate       *gate
	terminated bool
}

var (
	_ action.InputAction[*payload.InstallPlan]  = (*FilesystemVerifierAction)(nil)
	_ action.OutputAction[*payload.InstallPlan] = (*FilesystemVerifierAction)(nil)
)

func NewFilesystemVerifierAction(log logging.Logger, l loop.Loop) *FilesystemVerifierAction {
	return &FilesystemVerifierAction{log: log, loop: l}
}

func (*FilesystemVerifierAction) Type() action.Type { return action.TypeFilesystemVerifier }

// SetProgress sets the receiver of progress reports, called on the loop.
func (a *FilesystemVerifierAction) SetProgress(fn ProgressFunc) {
	a.progress = fn
}

func targets(plan *payload.InstallPlan) []target {
	var ts []target
	for i, p := range plan.Payloads {
		t := target{name: p.Partition, path: plan.PayloadPath(i), size: p.Size, hash: p.Hash}
		if p.Partition != "" {
			t.partition = true
			if part, ok := plan.Partition(p.Partition); ok && part.TargetHash != "" {
				t.hash = part.TargetHash
				if part.TargetSize > 0 {
					t.size = part.TargetSize
				}
			}
		} else {
			t.name = "staging"
		}
		if t.hash == "" && !plan.HashChecksMandatory {
			continue
		}
		ts = append(ts, t)
	}
	return ts
}

func (a *FilesystemVerifierAction) PerformAction(done action.Completer) {
	a.done = done
	plan := a.InputObject()
	if plan == nil {
		a.log.Error("no install plan to verify")
		done.Complete(errorcode.FilesystemVerifierError)
		return
	}
	ts := targets(plan)
	if len(ts) == 0 {
		a.log.Info("nothing to verify")
		a.SetOutputObject(plan)
		done.Complete(errorcode.Success)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.gate = newGate()
	var total int64
	for _, t := range ts {
		total += t.size
	}
	go func() {
		name, err := a.verify(ctx, ts, total)
		a.loop.Post(func() { a.verified(plan, name, err) })
	}()
}

func (a *FilesystemVerifierAction) verify(ctx context.Context, ts []target, total int64) (string, error) {
	var read int64
	buf := make([]byte, bufferSize)
	for _, t := range ts {
		log := a.log.WithFields(logrus.Fields{
			"target": t.name,
			"path":   t.path,
			"size":   t.size,
		})
		log.Info("verifying")
		f, err := os.Open(t.path)
		if err != nil {
			return t.name, errors.Wrapf(err, "open %s", t.path)
		}
		h := sha256.New()
		remaining := t.size
		for remaining > 0 {
			if !a.gate.wait(ctx) {
				f.Close()
				return t.name, ctx.Err()
			}
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			m, err := io.ReadFull(f, buf[:n])
			h.Write(buf[:m])
			if err != nil {
				f.Close()
				return t.name, errors.Wrapf(err, "read %s", t.path)
			}
			remaining -= int64(m)
			read += int64(m)
			a.report(read, total)
		}
		f.Close()
		sum := hex.EncodeToString(h.Sum(nil))
		if sum != t.hash {
			log.WithFields(logrus.Fields{"expected": t.hash, "actual": sum}).Error("hash mismatch")
			if t.partition {
				return t.name, ErrMismatch
			}
			return t.name, errors.Wrap(ErrMismatch, "staging")
		}
	}
	return "", nil
}

func (a *FilesystemVerifierAction) report(read, total int64) {
	if a.progress == nil || total == 0 {
		return
	}
	fraction := float64(read) / float64(total)
	a.loop.Post(func() {
		if !a.terminated {
			a.progress(fraction)
		}
	})
}

func (a *FilesystemVerifierAction) verified(plan *payload.InstallPlan, name string, err error) {
	a.cancel()
	switch {
	case a.terminated:
		a.done.Complete(errorcode.UserCanceled)
	case err == nil:
		a.log.Info("all targets verified")
		a.SetOutputObject(plan)
		a.done.Complete(errorcode.Success)
	case err == ErrMismatch:
		a.log.WithField("target", name).Error("new partition contents do not match")
		a.done.Complete(errorcode.NewRootfsVerificationError)
	case errors.Cause(err) == ErrMismatch:
		a.done.Complete(errorcode.PayloadHashMismatch)
	default:
		a.log.WithError(err).WithField("target", name).Error("unable to verify")
		a.done.Complete(errorcode.FilesystemVerifierError)
	}
}

func (a *FilesystemVerifierAction) TerminateProcessing() {
	if a.cancel == nil {
		return
	}
	a.terminated = true
	a.cancel()
	a.gate.wake()
}

func (a *FilesystemVerifierAction) SuspendAction() {
	if a.gate != nil {
		a.gate.set(false)
	}
}

func (a *FilesystemVerifierAction) ResumeAction() {
	if a.gate != nil {
		a.gate.set(true)
	}
}

// gate holds the hashing goroutine while the action is suspended.
type gate struct {
	mu   sync.Mutex
	cond *sync.Cond
	open bool
}

func newGate() *gate {
	g := &gate{open: true}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) set(open bool) {
	g.mu.Lock()
	g.open = open
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wake releases waiters so they notice a cancelled context.
func (g *gate) wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks while the gate is closed. It reports false once ctx is done.
func (g *gate) wait(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.open && ctx.Err() == nil {
		g.cond.Wait()
	}
	return ctx.Err() == nil
}
