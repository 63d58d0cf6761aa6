// Package agent runs the update daemon of a host. It assembles the update
// machinery around a single event loop, applies the configuration, and
// serves the requests posted on the host's Kubernetes Node when running in a
// cluster.
//
// The Agent makes no update decisions itself: policy decides when to check
// and when to apply, and the attempter carries each attempt out. The Agent
// starts them, reports their status and relays requests to them.
package agent
