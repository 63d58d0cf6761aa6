package marker

// Request is an operation asked of the daemon through the Node.
type Request = string

const (
	// RequestNone is the value of a consumed request.
	RequestNone Request = ""
	// RequestCheck runs an interactive update check.
	RequestCheck Request = "check"
	// RequestRollback makes the other slot active again.
	RequestRollback Request = "rollback"
	// RequestReset forgets an applied update that waits for reboot.
	RequestReset Request = "reset"
	// RequestReboot reboots into an applied update.
	RequestReboot Request = "reboot"
)

// RequestResult is the outcome of a Request.
type RequestResult = string

const (
	ResultAccepted RequestResult = "accepted"
	ResultRefused  RequestResult = "refused"
	ResultUnknown  RequestResult = "unknown-request"
)

// IsRequest reports whether r names a known request.
func IsRequest(r string) bool {
	switch r {
	case RequestCheck, RequestRollback, RequestReset, RequestReboot:
		return true
	}
	return false
}

// AgentVersion describes the annotations understood by the daemon.
type AgentVersion = string

const (
	AgentV1Alpha AgentVersion = "1.0.0-alpha"
)

var (
	// AgentBuildVersion is the version of the daemon at compile time.
	AgentBuildVersion = AgentV1Alpha
)
