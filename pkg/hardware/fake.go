package hardware

import "time"

// Fake is an in-memory Hardware.
type Fake struct {
	OfficialBuild      bool
	NormalBootMode     bool
	OOBEEnabled        bool
	OOBECompleted      time.Time
	PowerwashScheduled bool
	ID                 string
}

var _ Hardware = (*Fake)(nil)

// NewFake returns an official build in normal mode with OOBE disabled.
func NewFake() *Fake {
	return &Fake{
		OfficialBuild:  true,
		NormalBootMode: true,
		ID:             "00000000-0000-0000-0000-000000000001",
	}
}

func (f *Fake) IsOfficialBuild() bool  { return f.OfficialBuild }
func (f *Fake) IsNormalBootMode() bool { return f.NormalBootMode }
func (f *Fake) IsOOBEEnabled() bool    { return f.OOBEEnabled }

func (f *Fake) IsOOBEComplete() (time.Time, bool) {
	return f.OOBECompleted, !f.OOBECompleted.IsZero()
}

func (f *Fake) SchedulePowerwash() error {
	f.PowerwashScheduled = true
	return nil
}

func (f *Fake) CancelPowerwash() error {
	f.PowerwashScheduled = false
	return nil
}

func (f *Fake) IsPowerwashScheduled() bool { return f.PowerwashScheduled }

func (f *Fake) BootID() (string, error) { return f.ID, nil }
