package marker

type Key = string

const (
	// Prefix is the common base for the update daemon's annotations.
	Prefix = "retriever.bottlerocket.aws"

	// StatusKey is the attempter's status, such as "downloading".
	StatusKey Key = Prefix + "/status"
	// ProgressKey is the progress of the current step as a percentage.
	ProgressKey Key = Prefix + "/progress"
	// CurrentVersionKey is the version the Node runs.
	CurrentVersionKey Key = Prefix + "/current-version"
	// NewVersionKey is the version being installed or waiting for reboot.
	NewVersionKey Key = Prefix + "/new-version"
	// LastCheckedKey is the time of the last update check, in RFC 3339.
	LastCheckedKey Key = Prefix + "/last-checked"
	// RollbackKey is set while the staged version is a rollback.
	RollbackKey Key = Prefix + "/rollback"

	// RequestKey carries a request for the daemon, see Request. The daemon
	// empties it once the request was taken.
	RequestKey Key = Prefix + "/request"
	// RequestResultKey reports the outcome of the last request.
	RequestResultKey Key = Prefix + "/request-result"

	// AgentVersionKey is the version of the daemon itself, also used to
	// select the Nodes running it.
	AgentVersionKey Key = Prefix + "/agent-version"
)
