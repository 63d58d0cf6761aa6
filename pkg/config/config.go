// Package config loads the daemon's configuration file.
package config

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	DefaultPath       = "/etc/retriever/config.toml"
	DefaultStateDir   = "/var/lib/retriever/prefs"
	DefaultStagingDir = "/var/lib/retriever/staging"
	DefaultChannel    = "stable"
	DefaultAppID      = "bottlerocket"
	DefaultPolicy     = "standard"
)

// Config is the content of the configuration file.
type Config struct {
	Server      Server       `toml:"server"`
	State       State        `toml:"state"`
	Boot        Boot         `toml:"boot"`
	Postinstall Postinstall  `toml:"postinstall"`
	Hardware    Hardware     `toml:"hardware"`
	Network     Network      `toml:"network"`
	Policy      DevicePolicy `toml:"policy"`
	P2P         P2P          `toml:"p2p"`
	Reboot      Reboot       `toml:"reboot"`
	Kubernetes  Kubernetes   `toml:"kubernetes"`

	// policyLoaded is set when the file carries a [policy] table.
	policyLoaded bool `toml:"-"`
}

type Server struct {
	URL       string        `toml:"url"`
	AppID     string        `toml:"app_id"`
	Channel   string        `toml:"channel"`
	Board     string        `toml:"board"`
	MachineID string        `toml:"machine_id"`
	Timeout   time.Duration `toml:"timeout"`
}

type State struct {
	Dir        string `toml:"dir"`
	StagingDir string `toml:"staging_dir"`
	// Version is the running OS version, read from VersionFile when empty.
	Version     string `toml:"version"`
	VersionFile string `toml:"version_file"`
}

type Boot struct {
	Bootctl   string `toml:"bootctl"`
	DeviceDir string `toml:"device_dir"`
	// Stub replaces bootctl with an in-memory slot table of StubSlots slots,
	// for hosts that boot a single image.
	Stub      bool `toml:"stub"`
	StubSlots int  `toml:"stub_slots"`
}

type Postinstall struct {
	MountDir  string `toml:"mount_dir"`
	MountBin  string `toml:"mount_bin"`
	UmountBin string `toml:"umount_bin"`
}

type Hardware struct {
	OfficialBuild   bool   `toml:"official_build"`
	NormalBootMode  bool   `toml:"normal_boot_mode"`
	OOBEEnabled     bool   `toml:"oobe_enabled"`
	OOBEMarker      string `toml:"oobe_marker"`
	PowerwashMarker string `toml:"powerwash_marker"`
	BootIDPath      string `toml:"boot_id_path"`
}

// Network describes the connection the host uses to reach the update server.
type Network struct {
	Connection string `toml:"connection"`
	Tethering  string `toml:"tethering"`
}

// DevicePolicy holds the settings of the fleet operator. Unset fields leave
// the decision to the policy's defaults.
type DevicePolicy struct {
	// Name picks the policy implementation, "standard" or "default".
	Name                   string        `toml:"name"`
	UpdateDisabled         *bool         `toml:"update_disabled"`
	TargetChannel          string        `toml:"target_channel"`
	TargetVersionPrefix    string        `toml:"target_version_prefix"`
	RollbackAllowed        *bool         `toml:"rollback_allowed"`
	ScatterFactor          time.Duration `toml:"scatter_factor"`
	AllowedConnectionTypes []string      `toml:"allowed_connection_types"`
	HTTPDownloadsEnabled   *bool         `toml:"http_downloads_enabled"`
	P2PEnabled             *bool         `toml:"p2p_enabled"`
	DisallowedIntervals    []Interval    `toml:"disallowed_intervals"`
}

// Interval is a weekly range during which updates are not applied, such as
// start = "Sat 22:00" and end = "Mon 06:00".
type Interval struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
}

type P2P struct {
	// Enabled is the local opt-in, stored as a preference.
	Enabled    *bool         `toml:"enabled"`
	ShareDir   string        `toml:"share_dir"`
	Unit       string        `toml:"unit"`
	ClientBin  string        `toml:"client_bin"`
	MaxFiles   int           `toml:"max_files"`
	MaxFileAge time.Duration `toml:"max_file_age"`
}

type Reboot struct {
	// Auto reboots as soon as an update is applied.
	Auto         bool          `toml:"auto"`
	Drain        bool          `toml:"drain"`
	DrainTimeout time.Duration `toml:"drain_timeout"`
	Target       string        `toml:"target"`
	ShutdownBin  string        `toml:"shutdown_bin"`
	SystemdRoot  string        `toml:"systemd_root"`
}

type Kubernetes struct {
	Enabled      bool          `toml:"enabled"`
	NodeName     string        `toml:"node_name"`
	ResyncPeriod time.Duration `toml:"resync_period"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: Server{
			AppID:   DefaultAppID,
			Channel: DefaultChannel,
		},
		State: State{
			Dir:         DefaultStateDir,
			StagingDir:  DefaultStagingDir,
			VersionFile: "/etc/os-release",
		},
		Boot: Boot{StubSlots: 2},
		Hardware: Hardware{
			OfficialBuild:  true,
			NormalBootMode: true,
		},
		Policy: DevicePolicy{Name: DefaultPolicy},
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "unable to read %s", path)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

// Parse decodes raw over the defaults. The result is not validated, as flags
// may still override it.
func Parse(raw []byte) (Config, error) {
	tree, err := toml.LoadBytes(raw)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.policyLoaded = tree.Has("policy")
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if c.Boot.Stub && c.Boot.StubSlots < 1 {
		return errors.Errorf("boot.stub_slots must be positive, not %d", c.Boot.StubSlots)
	}
	switch c.Policy.Name {
	case "standard", "default":
	default:
		return errors.Errorf("unknown policy %q", c.Policy.Name)
	}
	for _, name := range c.Policy.AllowedConnectionTypes {
		if policy.ParseConnectionType(name) == policy.ConnectionUnknown {
			return errors.Errorf("unknown connection type %q", name)
		}
	}
	if _, err := c.Policy.intervals(); err != nil {
		return err
	}
	if _, err := parseTethering(c.Network.Tethering); err != nil {
		return err
	}
	if c.Kubernetes.Enabled && c.Kubernetes.NodeName == "" {
		return errors.New("kubernetes.node_name is required when kubernetes is enabled")
	}
	return nil
}

// PolicyLoaded reports whether a device policy was configured.
func (c *Config) PolicyLoaded() bool {
	return c.policyLoaded
}

// NewPolicy returns the configured policy implementation.
func (c *Config) NewPolicy(log logging.Logger) policy.Policy {
	if c.Policy.Name == "default" {
		return policy.NewDefaultPolicy(log)
	}
	return policy.NewStandardPolicy(log)
}

// Apply pushes the device policy and network settings into st. Waiting
// policy evaluations are triggered again by the changes, so Apply must run
// on the loop.
func (c *Config) Apply(st *policy.State) error {
	d := st.Device
	p := c.Policy
	d.PolicyIsLoaded.SetValue(c.policyLoaded)

	setBool(d.UpdateDisabled, p.UpdateDisabled)
	setString(d.TargetChannel, p.TargetChannel)
	setString(d.TargetVersionPrefix, p.TargetVersionPrefix)
	setBool(d.RollbackAllowed, p.RollbackAllowed)
	setBool(d.HTTPDownloadsEnabled, p.HTTPDownloadsEnabled)
	setBool(d.P2PEnabled, p.P2PEnabled)
	if p.ScatterFactor > 0 {
		d.ScatterFactor.SetValue(p.ScatterFactor)
	} else {
		d.ScatterFactor.UnsetValue()
	}
	if len(p.AllowedConnectionTypes) > 0 {
		types := make([]policy.ConnectionType, 0, len(p.AllowedConnectionTypes))
		for _, name := range p.AllowedConnectionTypes {
			types = append(types, policy.ParseConnectionType(name))
		}
		d.AllowedConnectionTypes.SetValue(types)
	} else {
		d.AllowedConnectionTypes.UnsetValue()
	}
	intervals, err := p.intervals()
	if err != nil {
		return err
	}
	if len(intervals) > 0 {
		d.DisallowedIntervals.SetValue(intervals)
	} else {
		d.DisallowedIntervals.UnsetValue()
	}

	net := st.Network
	if c.Network.Connection != "" {
		net.ConnectionType.SetValue(policy.ParseConnectionType(c.Network.Connection))
	} else {
		net.ConnectionType.UnsetValue()
	}
	tethering, err := parseTethering(c.Network.Tethering)
	if err != nil {
		return err
	}
	net.Tethering.SetValue(tethering)
	return nil
}

// OSVersion is the version of the running OS: State.Version, or the
// VERSION_ID of the os-release file.
func (c *Config) OSVersion() (string, error) {
	if c.State.Version != "" {
		return c.State.Version, nil
	}
	raw, err := ioutil.ReadFile(c.State.VersionFile)
	if err != nil {
		return "", errors.Wrap(err, "unable to read os version")
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if v := strings.TrimPrefix(line, "VERSION_ID="); v != line {
			return strings.Trim(v, `"`), nil
		}
	}
	return "", errors.Errorf("no VERSION_ID in %s", c.State.VersionFile)
}

func (p DevicePolicy) intervals() ([]policy.WeeklyTimeInterval, error) {
	var out []policy.WeeklyTimeInterval
	for _, i := range p.DisallowedIntervals {
		start, err := ParseWeeklyTime(i.Start)
		if err != nil {
			return nil, err
		}
		end, err := ParseWeeklyTime(i.End)
		if err != nil {
			return nil, err
		}
		out = append(out, policy.WeeklyTimeInterval{Start: start, End: end})
	}
	return out, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeeklyTime reads a minute of the week written as "Mon 15:04".
func ParseWeeklyTime(s string) (policy.WeeklyTime, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 || len(fields[0]) < 3 {
		return policy.WeeklyTime{}, errors.Errorf("weekly time %q is not of the form \"Mon 15:04\"", s)
	}
	day, ok := weekdays[strings.ToLower(fields[0][:3])]
	if !ok {
		return policy.WeeklyTime{}, errors.Errorf("unknown day in weekly time %q", s)
	}
	tod, err := time.Parse("15:04", fields[1])
	if err != nil {
		return policy.WeeklyTime{}, errors.Wrapf(err, "invalid time of day in %q", s)
	}
	return policy.WeeklyTime{Day: day, Hour: tod.Hour(), Minute: tod.Minute()}, nil
}

func parseTethering(s string) (policy.Tethering, error) {
	switch s {
	case "", "unknown":
		return policy.TetheringUnknown, nil
	case "not-detected":
		return policy.TetheringNotDetected, nil
	case "suspected":
		return policy.TetheringSuspected, nil
	case "confirmed":
		return policy.TetheringConfirmed, nil
	}
	return policy.TetheringUnknown, errors.Errorf("unknown tethering %q", s)
}

type boolVar interface {
	SetValue(bool)
	UnsetValue()
}

func setBool(v boolVar, b *bool) {
	if b == nil {
		v.UnsetValue()
		return
	}
	v.SetValue(*b)
}

type stringVar interface {
	SetValue(string)
	UnsetValue()
}

func setString(v stringVar, s string) {
	if s == "" {
		v.UnsetValue()
		return
	}
	v.SetValue(s)
}
