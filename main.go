package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/agent"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/config"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/prefs"
	"github.com/amazonlinux/bottlerocket/retriever/pkg/sigcontext"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("retriever stopped")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "retriever",
		Usage: "Check for, download and apply OS updates",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML configuration file",
				Value:   config.DefaultPath,
				EnvVars: []string{"RETRIEVER_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log at debug level",
			},
			&cli.BoolFlag{
				Name:  "log-split",
				Usage: "Send warnings and errors to stderr, the rest to stdout",
			},
			&cli.StringFlag{
				Name:    "node-name",
				Usage:   "Kubernetes Node of this host, enables kubernetes integration",
				EnvVars: []string{"NODE_NAME"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the update daemon",
				Action: runDaemon,
			},
			{
				Name:   "status",
				Usage:  "Print the persisted update markers",
				Action: printStatus,
			},
		},
	}
}

func setupLogging(c *cli.Context) error {
	if c.Bool("log-split") {
		logging.Set(logging.Split(os.Stdout, os.Stderr))
	}
	if c.Bool("debug") {
		logging.Set(logging.Level("debug"))
	}
	return nil
}

// loadConfig reads the configuration file and applies the flags over it.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if name := c.String("node-name"); name != "" {
		cfg.Kubernetes.Enabled = true
		cfg.Kubernetes.NodeName = name
	}
	return cfg, nil
}

func runDaemon(c *cli.Context) error {
	log := logging.New("main")
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}

	// "debuggable" builds at runtime produce extensive logging output compared
	// to release builds with the debug flag enabled. This requires building and
	// using a distinct build in the deployment in order to use.
	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
		delay := 3 * time.Second
		log.WithField("delay", delay).Warn("delaying start due to logging.Debuggable build")
		time.Sleep(delay)
		log.Info("starting logging.Debuggable enabled build")
	}

	ctx, cancel := sigcontext.WithSignalCancel(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(logging.New("agent"), cfg, agent.WithConfigPath(c.String("config")))
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}
	if err := a.Run(ctx); err != nil && errors.Cause(err) != context.Canceled {
		return errors.WithMessage(err, "run error")
	}
	log.Info("stopped")
	return nil
}

func printStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.State.Dir); err != nil {
		return errors.Wrap(err, "no update state")
	}
	p, err := prefs.NewFile(cfg.State.Dir)
	if err != nil {
		return err
	}
	return writeMarkers(c.App.Writer, p)
}

// writeMarkers prints the markers the daemon keeps between restarts.
func writeMarkers(w io.Writer, p prefs.Prefs) error {
	lastChecked := "never"
	if ts := prefs.Int64Or(p, prefs.KeyLastCheckedTime, 0); ts > 0 {
		lastChecked = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	awaitingReboot := p.Exists(prefs.KeyUpdateCompletedOnBootID)
	lines := []struct {
		name  string
		value interface{}
	}{
		{"last checked", lastChecked},
		{"consecutive failed checks", prefs.Int64Or(p, prefs.KeyConsecutiveFailedChecks, 0)},
		{"update awaiting reboot", awaitingReboot},
		{"previous version", prefs.StringOr(p, prefs.KeyPreviousVersion, "")},
		{"delta update failures", prefs.Int64Or(p, prefs.KeyDeltaUpdateFailures, 0)},
		{"payload attempts", prefs.Int64Or(p, prefs.KeyPayloadAttemptNumber, 0)},
		{"rollback happened", boolOr(p, prefs.KeyRollbackHappened)},
		{"p2p enabled", boolOr(p, prefs.KeyP2PEnabled)},
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s: %v\n", l.name, l.value); err != nil {
			return err
		}
	}
	return nil
}

func boolOr(p prefs.Prefs, key string) bool {
	v, err := p.GetBoolean(key)
	return err == nil && v
}
