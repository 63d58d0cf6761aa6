package action

// Pipe carries one object from a producing action to the action bonded to
// consume it. The consumer sees what the producer wrote when the producer
// completed.
type Pipe[T any] struct {
	staged    T
	hasStaged bool
	content   T
	committed bool
	sealed    bool
}

func (p *Pipe[T]) write(v T) bool {
	if p.sealed {
		return false
	}
	p.staged = v
	p.hasStaged = true
	return true
}

func (p *Pipe[T]) commit() {
	if p.sealed {
		return
	}
	p.sealed = true
	if p.hasStaged {
		p.content = p.staged
		p.committed = true
	}
}

// InputAction consumes an object of type T.
type InputAction[T any] interface {
	Action
	SetInputPipe(*Pipe[T])
}

// OutputAction produces an object of type T.
type OutputAction[T any] interface {
	Action
	SetOutputPipe(*Pipe[T])
}

// Bond connects producer's output to consumer's input.
func Bond[T any](producer OutputAction[T], consumer InputAction[T]) {
	p := &Pipe[T]{}
	producer.SetOutputPipe(p)
	consumer.SetInputPipe(p)
}

// Input is embedded by actions consuming a T.
type Input[T any] struct {
	in *Pipe[T]
}

func (i *Input[T]) SetInputPipe(p *Pipe[T]) {
	i.in = p
}

// HasInputObject reports whether the bonded producer completed with an
// object.
func (i *Input[T]) HasInputObject() bool {
	return i.in != nil && i.in.committed
}

// InputObject returns the producer's object, or the zero value.
func (i *Input[T]) InputObject() T {
	var zero T
	if !i.HasInputObject() {
		return zero
	}
	return i.in.content
}

// Output is embedded by actions producing a T.
type Output[T any] struct {
	out *Pipe[T]
}

func (o *Output[T]) SetOutputPipe(p *Pipe[T]) {
	o.out = p
}

func (o *Output[T]) HasOutputPipe() bool {
	return o.out != nil
}

// SetOutputObject stages v for the consumer. It is ignored once the action
// has completed.
func (o *Output[T]) SetOutputObject(v T) {
	if o.out == nil {
		return
	}
	o.out.write(v)
}

func (o *Output[T]) commitOutput() {
	if o.out != nil {
		o.out.commit()
	}
}

// outputCommitter is satisfied by any action embedding Output.
type outputCommitter interface {
	commitOutput()
}
