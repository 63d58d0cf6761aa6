package nodestream

import (
	"context"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	v1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
)

var _ cache.ResourceEventHandler = (*informerStream)(nil)

type eventKind int

const (
	eventAdd eventKind = iota
	eventUpdate
	eventDelete
)

// event is queued by the informer and delivered by the stream's worker.
type event struct {
	kind     eventKind
	old, new *v1.Node
}

type informerStream struct {
	log logging.Logger

	informer cache.SharedIndexInformer
	handler  Handler

	// workqueue decouples the handler from the informer's goroutine, events
	// are delivered one at a time and in order.
	workqueue workqueue.Interface
}

func New(log logging.Logger, kube kubernetes.Interface, config Config, handler Handler) *informerStream {
	is := &informerStream{log: log, handler: handler}

	factory := informers.NewSharedInformerFactoryWithOptions(kube, config.resyncPeriod(), informers.WithTweakListOptions(config.selector()))
	informer := factory.Core().V1().Nodes().Informer()
	informer.AddEventHandler(is)

	is.informer = informer
	is.workqueue = workqueue.New()

	return is
}

func (is *informerStream) GetInformer() cache.SharedIndexInformer {
	return is.informer
}

func (is *informerStream) Run(ctx context.Context) error {
	is.log.Debug("starting")
	defer is.log.Debug("finished")
	go is.shutdownWithContext(ctx)
	go is.informer.Run(ctx.Done())
	for is.processNext() {
	}
	return nil
}

func (is *informerStream) processNext() bool {
	item, shutdown := is.workqueue.Get()
	if shutdown {
		return false
	}
	defer is.workqueue.Done(item)
	ev, ok := item.(*event)
	if !ok {
		return true
	}
	switch ev.kind {
	case eventAdd:
		is.handler.OnAdd(ev.new)
	case eventUpdate:
		is.handler.OnUpdate(ev.old, ev.new)
	case eventDelete:
		is.handler.OnDelete(ev.old)
	}
	return true
}

func (is *informerStream) shutdownWithContext(ctx context.Context) {
	<-ctx.Done()
	is.shutdown()
}

func (is *informerStream) shutdown() {
	is.log.Debug("shutting down")
	defer is.log.Debug("shutdown")
	is.workqueue.ShutDown()
}

func (is *informerStream) OnAdd(obj interface{}) {
	is.log.Debug("resource add event")
	if n, ok := obj.(*v1.Node); ok {
		is.workqueue.Add(&event{kind: eventAdd, new: n})
	}
}

func (is *informerStream) OnDelete(obj interface{}) {
	is.log.Debug("resource delete event")
	n, ok := obj.(*v1.Node)
	if !ok {
		tombstone, isTombstone := obj.(cache.DeletedFinalStateUnknown)
		if !isTombstone {
			return
		}
		if n, ok = tombstone.Obj.(*v1.Node); !ok {
			return
		}
	}
	is.workqueue.Add(&event{kind: eventDelete, old: n})
}

func (is *informerStream) OnUpdate(oldObj, newObj interface{}) {
	is.log.Debug("resource update event")
	oldNode, ok := oldObj.(*v1.Node)
	if !ok {
		return
	}
	newNode, ok := newObj.(*v1.Node)
	if !ok {
		return
	}
	is.workqueue.Add(&event{kind: eventUpdate, old: oldNode, new: newNode})
}
