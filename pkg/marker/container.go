package marker

// Container is a collection of generic markers that represent Annotations and
// Labels.
type Container interface {
	// GetAnnotations retrieves the markers that represent a set of annotations.
	GetAnnotations() map[string]string
	// GetLabels retrieves the markers that represent a set of labels.
	GetLabels() map[string]string
}

// WriteContainer is a container that may be written into in addition to being a
// Container.
type WriteContainer interface {
	Container
	SetAnnotations(map[string]string)
	SetLabels(map[string]string)
}

// Set is a Container of fixed markers.
type Set struct {
	Annotations map[string]string
	Labels      map[string]string
}

func (s Set) GetAnnotations() map[string]string { return s.Annotations }
func (s Set) GetLabels() map[string]string      { return s.Labels }

// OverwriteFrom writes the markers of from into into, in place. Markers only
// present in into are kept.
func OverwriteFrom(from Container, into WriteContainer) {
	intoA := into.GetAnnotations()
	if intoA == nil {
		intoA = make(map[string]string)
	}
	for k, v := range from.GetAnnotations() {
		intoA[k] = v
	}
	intoL := into.GetLabels()
	if intoL == nil {
		intoL = make(map[string]string)
	}
	for k, v := range from.GetLabels() {
		intoL[k] = v
	}

	into.SetAnnotations(intoA)
	into.SetLabels(intoL)
}
