package agent

import (
	"context"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/attempter"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/bootcontrol"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/clock"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/config"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/download"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hardware"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/hostexec"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/k8sutil"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/loop"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/nodestatus"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/nodestream"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/p2p"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/payloadstate"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/policy"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/postinstall"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/reboot"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/sigcontext"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/status"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/systemd"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/updatecheck"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/workgroup"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
)

// shutdownTimeout bounds how long an attempt in progress may take to wind
// down once the agent is stopped.
const shutdownTimeout = 10 * time.Second

// Agent is the update daemon.
type Agent struct {
	log        logging.Logger
	cfg        config.Config
	configPath string
	kube       kubernetes.Interface

	loop      *loop.EventLoop
	manager   *policy.UpdateManager
	attempter *attempter.UpdateAttempter
	watcher   *p2p.Watcher
	publisher *nodestatus.Publisher
	ack       acknowledger
	requests  *requestTracker

	// controller receives requests, it is the attempter outside of tests.
	controller controller
	// rebootRequested is only accessed on the loop.
	rebootRequested bool
}

// controller is the part of the attempter that requests are relayed to.
type controller interface {
	CheckForUpdate(appVersion, serverURL string, interactive bool) bool
	Rollback(powerwash bool) bool
	ResetStatus() error
	RebootIfNeeded() bool
}

// Option customizes an Agent.
type Option func(*options)

type options struct {
	configPath string
	kube       kubernetes.Interface
	transport  updatecheck.Transport
	clock      clock.Clock
}

// WithConfigPath names the file reloaded on SIGHUP.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithKubernetes sets the client used to reach the Node. Without it one is
// created from the environment when kubernetes is enabled.
func WithKubernetes(kube kubernetes.Interface) Option {
	return func(o *options) { o.kube = kube }
}

// WithTransport replaces the HTTP client of the update server.
func WithTransport(t updatecheck.Transport) Option {
	return func(o *options) { o.transport = t }
}

// New assembles the daemon described by cfg, which must be valid.
func New(log logging.Logger, cfg config.Config, opts ...Option) (*Agent, error) {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	version, err := cfg.OSVersion()
	if err != nil {
		return nil, err
	}
	store, err := prefs.NewFile(cfg.State.Dir)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		log:        log,
		cfg:        cfg,
		configPath: o.configPath,
		loop:       loop.New(logging.SubLogger(log, "loop")),
		requests:   newRequestTracker(),
	}

	runner := hostexec.New(logging.SubLogger(log, "hostexec"), "")
	var units *systemd.Manager
	if systemd.Available(cfg.Reboot.SystemdRoot) {
		units = systemd.NewManager(logging.SubLogger(log, "systemd"), systemd.Dial(cfg.Reboot.SystemdRoot), cfg.Reboot.SystemdRoot)
	} else {
		log.Warn("systemd is not reachable, units are left alone")
	}

	var bc bootcontrol.BootControl
	if cfg.Boot.Stub {
		bc = bootcontrol.NewStub(cfg.Boot.StubSlots, 0)
	} else {
		bc = bootcontrol.NewBootctl(logging.SubLogger(log, "bootctl"), runner, cfg.Boot.Bootctl, cfg.Boot.DeviceDir)
	}
	hw := hardware.NewHost(hardware.Config{
		OfficialBuild:   cfg.Hardware.OfficialBuild,
		NormalBootMode:  cfg.Hardware.NormalBootMode,
		OOBEEnabled:     cfg.Hardware.OOBEEnabled,
		OOBEMarker:      cfg.Hardware.OOBEMarker,
		PowerwashMarker: cfg.Hardware.PowerwashMarker,
		BootIDPath:      cfg.Hardware.BootIDPath,
	})

	st := policy.NewState(o.clock, policy.StateOptions{
		OfficialBuild: hw.IsOfficialBuild(),
		OOBEEnabled:   hw.IsOOBEEnabled(),
		NumSlots:      bc.GetNumSlots(),
	})
	a.manager = policy.NewUpdateManager(logging.SubLogger(log, "policy"), o.clock, a.loop, st, cfg.NewPolicy(log))

	peers := p2p.NewHost(logging.SubLogger(log, "p2p"), p2p.Config{
		ShareDir:   cfg.P2P.ShareDir,
		Unit:       cfg.P2P.Unit,
		ClientBin:  cfg.P2P.ClientBin,
		MaxFiles:   cfg.P2P.MaxFiles,
		MaxFileAge: cfg.P2P.MaxFileAge,
	}, unitController(units), runner, store, o.clock)
	a.watcher = p2p.NewWatcher(logging.SubLogger(log, "p2p"), a.loop, a.manager, peers)

	if o.kube == nil && cfg.Kubernetes.Enabled {
		kube, err := k8sutil.DefaultKubernetesClient()
		if err != nil {
			return nil, errors.WithMessage(err, "kubernetes client")
		}
		o.kube = kube
	}
	a.kube = o.kube

	var drainer reboot.Drainer
	if a.kube != nil {
		drainer = k8sutil.NewNodeDrainer(logging.SubLogger(log, "drain"), a.kube, cfg.Kubernetes.NodeName)
		a.publisher = nodestatus.New(logging.SubLogger(log, "nodestatus"), a.kube.CoreV1().Nodes(), cfg.Kubernetes.NodeName)
		a.ack = a.publisher
	}
	rebooter := reboot.New(logging.SubLogger(log, "reboot"), unitStarter(units), runner, drainer, reboot.Config{
		Target:       cfg.Reboot.Target,
		ShutdownBin:  cfg.Reboot.ShutdownBin,
		Drain:        cfg.Reboot.Drain,
		DrainTimeout: cfg.Reboot.DrainTimeout,
	})

	transport := o.transport
	if transport == nil {
		transport = updatecheck.NewClient(logging.SubLogger(log, "updatecheck"), cfg.Server.Timeout)
	}
	fetchLog := logging.SubLogger(log, "fetcher")
	httpClient := &http.Client{}

	a.attempter = attempter.New(logging.SubLogger(log, "attempter"), attempter.Deps{
		Loop:         a.loop,
		Clock:        o.clock,
		Prefs:        store,
		Manager:      a.manager,
		PayloadState: payloadstate.New(logging.SubLogger(log, "payloadstate"), store, o.clock),
		BootControl:  bc,
		Hardware:     hw,
		Transport:    transport,
		NewFetcher: func() download.Fetcher {
			return download.NewHTTPFetcher(fetchLog, a.loop, httpClient)
		},
		Runner:   runner,
		P2P:      peers,
		Rebooter: rebooter,
	}, attempter.Config{
		ServerURL:   cfg.Server.URL,
		AppID:       cfg.Server.AppID,
		AppVersion:  version,
		Board:       cfg.Server.Board,
		MachineID:   cfg.Server.MachineID,
		Channel:     cfg.Server.Channel,
		StagingDir:  cfg.State.StagingDir,
		Postinstall: postinstallConfig(cfg),
	})
	a.controller = a.attempter

	a.attempter.AddObserver(status.ObserverFunc(a.logStatus))
	if a.publisher != nil {
		a.attempter.AddObserver(a.publisher)
	}
	if cfg.Reboot.Auto {
		a.attempter.AddObserver(status.ObserverFunc(a.autoReboot))
	}
	return a, nil
}

// Run starts the daemon and blocks until ctx is done or a worker fails.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")
	group := workgroup.WithContext(ctx, a.log)

	a.loop.Post(a.start)
	group.Work("loop", a.runLoop)
	if a.publisher != nil {
		group.Work("nodestatus", a.publisher.Run)
	}
	if a.kube != nil {
		ns := nodestream.New(logging.SubLogger(a.log, "informer"), a.kube, nodestream.Config{
			NodeName:     a.cfg.Kubernetes.NodeName,
			ResyncPeriod: a.cfg.Kubernetes.ResyncPeriod,
		}, a.handler(ctx))
		group.Work("nodestream", ns.Run)
	}
	if a.configPath != "" {
		sigcontext.Handle(ctx, func(os.Signal) { a.reload() }, syscall.SIGHUP)
	}

	// Workers stop with ctx, or all of them once one fails.
	return group.Wait()
}

// runLoop runs the loop until ctx is done, then stops the components on it
// before the loop itself stops.
func (a *Agent) runLoop(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- a.loop.Run(loopCtx) }()

	<-ctx.Done()
	select {
	case <-a.shutdown():
	case <-time.After(shutdownTimeout):
		a.log.Warn("update attempt did not stop in time")
	}
	cancel()
	<-stopped
	return ctx.Err()
}

// shutdown stops the components on the loop. The returned channel is closed
// once no attempt is left running.
func (a *Agent) shutdown() <-chan struct{} {
	done := make(chan struct{})
	a.loop.Post(func() {
		a.log.Info("stopping update attempts")
		a.watcher.Stop()
		a.manager.Close()
		a.attempter.Stop()
		if !a.attempter.IsUpdateRunningOrScheduled() {
			close(done)
			return
		}
		var once sync.Once
		a.attempter.AddObserver(status.ObserverFunc(func(s status.Status) {
			if s.Status == status.Idle || s.Status == status.UpdatedNeedReboot {
				once.Do(func() { close(done) })
			}
		}))
	})
	return done
}

// start runs on the loop once, before anything else.
func (a *Agent) start() {
	if err := a.cfg.Apply(a.manager.State()); err != nil {
		a.log.WithError(err).Error("unable to apply configuration")
	}
	a.attempter.Init()
	a.attempter.UpdateEngineStarted()
	a.watcher.Start()
	if a.cfg.P2P.Enabled != nil {
		if err := a.watcher.SetPreference(*a.cfg.P2P.Enabled); err != nil {
			a.log.WithError(err).Warn("unable to store p2p preference")
		}
	}
	a.attempter.ScheduleUpdates()
}

// reload reads the configuration file again. Only the device policy and the
// network settings take effect without a restart.
func (a *Agent) reload() {
	log := a.log.WithField("path", a.configPath)
	cfg, err := config.Load(a.configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.WithError(err).Error("configuration not reloaded")
		return
	}
	log.Info("reloading configuration")
	a.loop.Post(func() {
		if err := cfg.Apply(a.manager.State()); err != nil {
			log.WithError(err).Error("unable to apply configuration")
			return
		}
		a.cfg.Policy, a.cfg.Network = cfg.Policy, cfg.Network
	})
}

func (a *Agent) logStatus(s status.Status) {
	a.log.WithFields(logfields.Status(s)).Debug("status update")
}

func (a *Agent) autoReboot(s status.Status) {
	if s.Status != status.UpdatedNeedReboot || a.rebootRequested {
		return
	}
	a.rebootRequested = true
	a.loop.Post(func() {
		a.log.Info("rebooting into the applied update")
		if !a.controller.RebootIfNeeded() {
			a.rebootRequested = false
		}
	})
}

func postinstallConfig(cfg config.Config) postinstall.Config {
	return postinstall.Config{
		MountDir:  cfg.Postinstall.MountDir,
		MountBin:  cfg.Postinstall.MountBin,
		UmountBin: cfg.Postinstall.UmountBin,
	}
}

// unitController and unitStarter keep a nil Manager from becoming a non-nil
// interface.
func unitController(m *systemd.Manager) p2p.UnitController {
	if m == nil {
		return nil
	}
	return m
}

func unitStarter(m *systemd.Manager) reboot.UnitStarter {
	if m == nil {
		return nil
	}
	return m
}
