package errorcode

import (
	"testing"

	"gotest.tools/assert"
)

func TestFlagsAreStripped(t *testing.T) {
	code := PayloadHashMismatch | DevModeFlag | ResumedFlag
	assert.Equal(t, code.Base(), PayloadHashMismatch)
	assert.Equal(t, code.Flags(), DevModeFlag|ResumedFlag)
	assert.Equal(t, code.Kind(), KindIntegrity)
	assert.Check(t, !code.IsSuccess())
	assert.Check(t, (Success | TestImageFlag).IsSuccess())
}

func TestString(t *testing.T) {
	assert.Equal(t, Success.String(), "Success")
	assert.Equal(t, (DownloadTransferError | TestURLFlag).String(), "DownloadTransferError|TestURL")
	assert.Equal(t, Code(9999).String(), "Code(9999)")
}

func TestKinds(t *testing.T) {
	cases := map[Code]Kind{
		Success:                           KindNone,
		Error:                             KindGeneric,
		ResponseInvalid:                   KindProtocol,
		NewRootfsVerificationError:        KindIntegrity,
		PostinstallFirmwareRONotUpdatable: KindExecution,
		UpdateIgnoredOverCellular:         KindDeferral,
		DownloadTransferError:             KindTransfer,
		RollbackIncompatibleKeyVersion:    KindRollback,
	}
	for code, kind := range cases {
		assert.Check(t, code.Kind() == kind, "%s is %s, want %s", code, code.Kind(), kind)
	}
	assert.Check(t, PostinstallBootedFromFirmwareB.IsWrongFirmwareSlot())
	assert.Check(t, !PostinstallRunnerError.IsWrongFirmwareSlot())
	assert.Check(t, UpdateDeferredForBackoff.IsDeferral())
	assert.Check(t, DownloadTransferError.IsTransfer())
}
