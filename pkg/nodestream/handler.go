package nodestream

import v1 "k8s.io/api/core/v1"

// Handler receives the events of the watched Node, one at a time.
type Handler interface {
	OnAdd(*v1.Node)
	OnUpdate(oldNode, newNode *v1.Node)
	OnDelete(*v1.Node)
}

// HandlerFuncs is a Handler of optional funcs.
type HandlerFuncs struct {
	OnAddFunc    func(*v1.Node)
	OnUpdateFunc func(*v1.Node, *v1.Node)
	OnDeleteFunc func(*v1.Node)
}

var _ Handler = (*HandlerFuncs)(nil)

func (fn *HandlerFuncs) OnAdd(n *v1.Node) {
	if fn.OnAddFunc != nil {
		fn.OnAddFunc(n)
	}
}

func (fn *HandlerFuncs) OnUpdate(oldNode, newNode *v1.Node) {
	if fn.OnUpdateFunc != nil {
		fn.OnUpdateFunc(oldNode, newNode)
	}
}

func (fn *HandlerFuncs) OnDelete(n *v1.Node) {
	if fn.OnDeleteFunc != nil {
		fn.OnDeleteFunc(n)
	}
}
