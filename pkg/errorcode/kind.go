package errorcode

// Kind groups codes by how the attempter and the policy treat them.
type Kind int

const (
	KindNone Kind = iota
	KindGeneric
	KindProtocol
	KindIntegrity
	KindExecution
	KindDeferral
	KindTransfer
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindGeneric:
		return "generic"
	case KindProtocol:
		return "protocol"
	case KindIntegrity:
		return "integrity"
	case KindExecution:
		return "execution"
	case KindDeferral:
		return "deferral"
	case KindTransfer:
		return "transfer"
	case KindRollback:
		return "rollback"
	}
	return "unknown"
}

// Kind classifies the code, ignoring flags.
func (c Code) Kind() Kind {
	switch c.Base() {
	case Success:
		return KindNone
	case UpdateCheckError, ResponseHandlerError, ResponseInvalid, RequestEmptyResponse,
		RequestParseError, HTTPResponseError, NoUpdate:
		return KindProtocol
	case PayloadHashMismatch, PayloadSizeMismatch, FilesystemVerifierError,
		NewRootfsVerificationError, DownloadWriteError:
		return KindIntegrity
	case PostinstallRunnerError, PostinstallBootedFromFirmwareB,
		PostinstallFirmwareRONotUpdatable, PostinstallPowerwashError, InstallPlanError:
		return KindExecution
	case UpdateIgnoredPerPolicy, UpdateDeferredPerPolicy, UpdateDeferredForBackoff,
		UpdateIgnoredOverCellular, NonCriticalUpdateInOOBE:
		return KindDeferral
	case DownloadTransferError, DownloadStateInitializationError, UpdateCanceledByChannelChange:
		return KindTransfer
	case RollbackNotPossible, RollbackIncompatibleKeyVersion:
		return KindRollback
	}
	return KindGeneric
}

// IsDeferral reports codes that postpone an update without counting as a
// failure.
func (c Code) IsDeferral() bool {
	return c.Kind() == KindDeferral
}

// IsTransfer reports transient transfer failures.
func (c Code) IsTransfer() bool {
	return c.Kind() == KindTransfer
}

// IsWrongFirmwareSlot reports the postinstall results raised when the
// firmware could not be updated from the running slot.
func (c Code) IsWrongFirmwareSlot() bool {
	switch c.Base() {
	case PostinstallBootedFromFirmwareB, PostinstallFirmwareRONotUpdatable:
		return true
	}
	return false
}
