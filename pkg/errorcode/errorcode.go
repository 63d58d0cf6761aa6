// Package errorcode defines the result codes produced by update actions and
// reported to the update server.
package errorcode

import "fmt"

// Code is the result of an action, a processor run or a whole attempt. The
// high bits carry environment flags, see Base and the Flag constants.
type Code uint32

const (
	Success Code = iota
	Error

	// Protocol errors.
	UpdateCheckError
	ResponseHandlerError
	ResponseInvalid
	RequestEmptyResponse
	RequestParseError
	HTTPResponseError
	NoUpdate

	// Integrity errors.
	PayloadHashMismatch
	PayloadSizeMismatch
	FilesystemVerifierError
	NewRootfsVerificationError
	DownloadWriteError

	// Execution errors.
	PostinstallRunnerError
	PostinstallBootedFromFirmwareB
	PostinstallFirmwareRONotUpdatable
	PostinstallPowerwashError
	InstallPlanError

	// Policy deferrals.
	UpdateIgnoredPerPolicy
	UpdateDeferredPerPolicy
	UpdateDeferredForBackoff
	UpdateIgnoredOverCellular
	NonCriticalUpdateInOOBE

	// Transfer errors.
	DownloadTransferError
	DownloadStateInitializationError
	UpdateCanceledByChannelChange

	// Rollback errors.
	RollbackNotPossible
	RollbackIncompatibleKeyVersion

	UserCanceled
	EventSendError
)

// Flags tagged onto a code before it is reported.
const (
	DevModeFlag   Code = 1 << 31
	ResumedFlag   Code = 1 << 30
	TestImageFlag Code = 1 << 29
	TestURLFlag   Code = 1 << 28

	specialFlags = DevModeFlag | ResumedFlag | TestImageFlag | TestURLFlag
)

// Base strips the environment flags.
func (c Code) Base() Code {
	return c &^ specialFlags
}

// Flags returns only the environment flags of c.
func (c Code) Flags() Code {
	return c & specialFlags
}

// IsSuccess reports whether c, ignoring flags, is Success.
func (c Code) IsSuccess() bool {
	return c.Base() == Success
}

var names = map[Code]string{
	Success:                           "Success",
	Error:                             "Error",
	UpdateCheckError:                  "UpdateCheckError",
	ResponseHandlerError:              "ResponseHandlerError",
	ResponseInvalid:                   "ResponseInvalid",
	RequestEmptyResponse:              "RequestEmptyResponse",
	RequestParseError:                 "RequestParseError",
	HTTPResponseError:                 "HTTPResponseError",
	NoUpdate:                          "NoUpdate",
	PayloadHashMismatch:               "PayloadHashMismatch",
	PayloadSizeMismatch:               "PayloadSizeMismatch",
	FilesystemVerifierError:           "FilesystemVerifierError",
	NewRootfsVerificationError:        "NewRootfsVerificationError",
	DownloadWriteError:                "DownloadWriteError",
	PostinstallRunnerError:            "PostinstallRunnerError",
	PostinstallBootedFromFirmwareB:    "PostinstallBootedFromFirmwareB",
	PostinstallFirmwareRONotUpdatable: "PostinstallFirmwareRONotUpdatable",
	PostinstallPowerwashError:         "PostinstallPowerwashError",
	InstallPlanError:                  "InstallPlanError",
	UpdateIgnoredPerPolicy:            "UpdateIgnoredPerPolicy",
	UpdateDeferredPerPolicy:           "UpdateDeferredPerPolicy",
	UpdateDeferredForBackoff:          "UpdateDeferredForBackoff",
	UpdateIgnoredOverCellular:         "UpdateIgnoredOverCellular",
	NonCriticalUpdateInOOBE:           "NonCriticalUpdateInOOBE",
	DownloadTransferError:             "DownloadTransferError",
	DownloadStateInitializationError:  "DownloadStateInitializationError",
	UpdateCanceledByChannelChange:     "UpdateCanceledByChannelChange",
	RollbackNotPossible:               "RollbackNotPossible",
	RollbackIncompatibleKeyVersion:    "RollbackIncompatibleKeyVersion",
	UserCanceled:                      "UserCanceled",
	EventSendError:                    "EventSendError",
}

var flagNames = []struct {
	flag Code
	name string
}{
	{DevModeFlag, "DevMode"},
	{ResumedFlag, "Resumed"},
	{TestImageFlag, "TestImage"},
	{TestURLFlag, "TestURL"},
}

func (c Code) String() string {
	name, ok := names[c.Base()]
	if !ok {
		name = fmt.Sprintf("Code(%d)", uint32(c.Base()))
	}
	for _, f := range flagNames {
		if c&f.flag != 0 {
			name += "|" + f.name
		}
	}
	return name
}
