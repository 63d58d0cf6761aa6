package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel is a context that will cancel itself when a signal is sent
// to the process. The cancel function returned is responsible for freeing the
// signal handlers used and must be called. If a caller wants to default the
// signal handlers to the go runtime then the cancel must be called as soon as
// the derived context is Done() (ie: a second ^C, SIGINT, will cause the
// process to terminate).
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancel(ctx)
	stop := watch(sigctx, sigs, func(os.Signal) { ctxcancel() })

	var once sync.Once
	cancel := func() {
		ctxcancel()
		once.Do(stop)
	}
	return sigctx, cancel
}

// Handle calls fn for each of the given signals received until ctx is done.
// Calls to fn are serialized.
func Handle(ctx context.Context, fn func(os.Signal), sigs ...os.Signal) {
	stop := watch(ctx, sigs, fn)
	go func() {
		<-ctx.Done()
		stop()
	}()
}

func watch(ctx context.Context, sigs []os.Signal, fn func(os.Signal)) (stop func()) {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case sig := <-sigchan:
				fn(sig)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigchan)
			close(done)
		})
	}
}
