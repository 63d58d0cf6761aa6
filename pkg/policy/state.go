package policy

import (
	"context"
	"math/rand"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy/variable"
)

const (
	timePollInterval   = time.Minute
	randomPollInterval = 5 * time.Minute
)

// SystemProvider describes the host image.
type SystemProvider struct {
	IsOfficialBuild *variable.Const[bool]
	IsOOBEComplete  *variable.Async[bool]
	NumSlots        *variable.Const[int]
}

// ConfigProvider holds static agent configuration.
type ConfigProvider struct {
	IsOOBEEnabled *variable.Const[bool]
}

// UpdaterProvider exposes the attempter's own bookkeeping.
type UpdaterProvider struct {
	UpdaterStartedTime            *variable.Const[time.Time]
	LastCheckedTime               *variable.Async[time.Time]
	UpdateCompletedTime           *variable.Async[time.Time]
	ConsecutiveFailedUpdateChecks *variable.Async[int]
	ServerDictatedPollInterval    *variable.Async[time.Duration]
	ForcedUpdateRequested         *variable.Async[ForcedUpdateRequest]
	CellularEnabled               *variable.Async[bool]
	P2PEnabled                    *variable.Async[bool]
}

// TimeProvider exposes the wallclock.
type TimeProvider struct {
	CurrTime *variable.Poll[time.Time]
}

// NetworkProvider describes the active connection.
type NetworkProvider struct {
	ConnectionType *variable.Async[ConnectionType]
	Tethering      *variable.Async[Tethering]
}

// DeviceProvider holds the update settings pushed by the fleet operator.
// Unset variables mean the setting was not specified.
type DeviceProvider struct {
	PolicyIsLoaded         *variable.Async[bool]
	UpdateDisabled         *variable.Async[bool]
	TargetChannel          *variable.Async[string]
	TargetVersionPrefix    *variable.Async[string]
	RollbackAllowed        *variable.Async[bool]
	ScatterFactor          *variable.Async[time.Duration]
	AllowedConnectionTypes *variable.Async[[]ConnectionType]
	HTTPDownloadsEnabled   *variable.Async[bool]
	P2PEnabled             *variable.Async[bool]
	DisallowedIntervals    *variable.Async[[]WeeklyTimeInterval]
}

// RandomProvider supplies seeds for fuzzing intervals.
type RandomProvider struct {
	Seed *variable.Poll[int64]
}

// State is the set of variables policies may read.
type State struct {
	System  SystemProvider
	Config  ConfigProvider
	Updater UpdaterProvider
	Time    TimeProvider
	Network NetworkProvider
	Device  DeviceProvider
	Random  RandomProvider
}

// StateOptions are the values fixed for the life of the process.
type StateOptions struct {
	OfficialBuild bool
	OOBEEnabled   bool
	NumSlots      int
	// Seed seeds the random provider; zero picks one from the clock.
	Seed int64
}

// NewState builds a State whose time-derived variables read c.
func NewState(c clock.Clock, opts StateOptions) *State {
	seed := opts.Seed
	if seed == 0 {
		seed = c.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	return &State{
		System: SystemProvider{
			IsOfficialBuild: variable.NewConst("is_official_build", opts.OfficialBuild),
			IsOOBEComplete:  variable.NewAsync[bool]("is_oobe_complete"),
			NumSlots:        variable.NewConst("num_slots", opts.NumSlots),
		},
		Config: ConfigProvider{
			IsOOBEEnabled: variable.NewConst("is_oobe_enabled", opts.OOBEEnabled),
		},
		Updater: UpdaterProvider{
			UpdaterStartedTime:            variable.NewConst("updater_started_time", c.Now()),
			LastCheckedTime:               variable.NewAsync[time.Time]("last_checked_time"),
			UpdateCompletedTime:           variable.NewAsync[time.Time]("update_completed_time"),
			ConsecutiveFailedUpdateChecks: variable.NewAsyncWith("consecutive_failed_update_checks", 0),
			ServerDictatedPollInterval:    variable.NewAsyncWith("server_dictated_poll_interval", time.Duration(0)),
			ForcedUpdateRequested:         variable.NewAsyncWith("forced_update_requested", ForcedUpdateNone),
			CellularEnabled:               variable.NewAsyncWith("cellular_enabled", false),
			P2PEnabled:                    variable.NewAsyncWith("updater_p2p_enabled", false),
		},
		Time: TimeProvider{
			CurrTime: variable.NewPoll("curr_time", timePollInterval, func(context.Context) (time.Time, error) {
				return c.Now(), nil
			}),
		},
		Network: NetworkProvider{
			ConnectionType: variable.NewAsyncWith("connection_type", ConnectionEthernet),
			Tethering:      variable.NewAsyncWith("tethering", TetheringNotDetected),
		},
		Device: DeviceProvider{
			PolicyIsLoaded:         variable.NewAsyncWith("device_policy_is_loaded", false),
			UpdateDisabled:         variable.NewAsync[bool]("update_disabled"),
			TargetChannel:          variable.NewAsync[string]("target_channel"),
			TargetVersionPrefix:    variable.NewAsync[string]("target_version_prefix"),
			RollbackAllowed:        variable.NewAsync[bool]("rollback_allowed"),
			ScatterFactor:          variable.NewAsync[time.Duration]("scatter_factor"),
			AllowedConnectionTypes: variable.NewAsync[[]ConnectionType]("allowed_connection_types"),
			HTTPDownloadsEnabled:   variable.NewAsync[bool]("http_downloads_enabled"),
			P2PEnabled:             variable.NewAsync[bool]("device_p2p_enabled"),
			DisallowedIntervals:    variable.NewAsync[[]WeeklyTimeInterval]("disallowed_time_intervals"),
		},
		Random: RandomProvider{
			Seed: variable.NewPoll("seed", randomPollInterval, func(context.Context) (int64, error) {
				return rng.Int63(), nil
			}),
		},
	}
}
