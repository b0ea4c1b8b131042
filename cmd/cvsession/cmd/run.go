package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-drift/cvsession/cmd/cvsession/internal/uithread"
	"github.com/go-drift/cvsession/pkg/config"
	"github.com/go-drift/cvsession/pkg/errors"
	"github.com/go-drift/cvsession/pkg/permission"
	"github.com/go-drift/cvsession/pkg/platform"
	"github.com/go-drift/cvsession/pkg/session"
	"github.com/go-drift/cvsession/pkg/simulator"
)

// simulatedRetries caps re-requests when the configuration leaves them
// unbounded. The simulated user answers instantly, so an unbounded loop
// would spin.
const simulatedRetries = 3

func init() {
	RegisterCommand(&Command{
		Name:  "run",
		Short: "Run a session against a simulated device",
		Long: `Run a vision session from host creation to stop.

The simulated host creates the session, answers the permission prompts,
serves the vision provider and streams synthetic body landmarks. The
session stops when the stream ends, when --stop-after elapses, when the
permissions are finally denied, or on Ctrl+C.

Permissions may be named in full or by their last segment (CAMERA).

Flags:
  --grant LIST          permissions granted on the first prompt (default: all not in --deny-once)
  --deny-once LIST      permissions denied once, then granted
  --events N            detection events to stream (default 5)
  --interval D          delay before each event (default 200ms)
  --fail MSG            fail the stream with MSG after the events
  --no-service          the vision service is not installed
  --unavailable         the vision service reports itself unavailable
  --provider-version V  version the provider reports (default 1.4.2)
  --max-retries N       permission re-requests before giving up
  --config PATH         configuration file (default: cvsession.yaml in the project root)
  --codec NAME          bridge codec, json or cbor (default from config)
  --stop-after D        stop the host after D
  --debug               debug logging`,
		Usage: "cvsession run [flags]",
		Run:   runRun,
	})
}

type runOptions struct {
	grant           []string
	grantSet        bool
	denyOnce        []string
	events          int
	interval        time.Duration
	streamError     string
	noService       bool
	unavailable     bool
	providerVersion string
	maxRetries      int
	configPath      string
	codec           string
	stopAfter       time.Duration
	debug           bool
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&o.grant, "grant", nil, "permissions granted on the first prompt")
	fs.StringSliceVar(&o.denyOnce, "deny-once", nil, "permissions denied once, then granted")
	fs.IntVar(&o.events, "events", 5, "detection events to stream")
	fs.DurationVar(&o.interval, "interval", 200*time.Millisecond, "delay before each event")
	fs.StringVar(&o.streamError, "fail", "", "fail the stream with this message after the events")
	fs.BoolVar(&o.noService, "no-service", false, "the vision service is not installed")
	fs.BoolVar(&o.unavailable, "unavailable", false, "the vision service reports itself unavailable")
	fs.StringVar(&o.providerVersion, "provider-version", "1.4.2", "version the provider reports")
	fs.IntVar(&o.maxRetries, "max-retries", -1, "permission re-requests before giving up")
	fs.StringVar(&o.configPath, "config", "", "configuration file")
	fs.StringVar(&o.codec, "codec", "", "bridge codec (json or cbor)")
	fs.DurationVar(&o.stopAfter, "stop-after", 0, "stop the host after this long")
	fs.BoolVar(&o.debug, "debug", false, "debug logging")
}

func runRun(args []string) error {
	var opts runOptions
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	opts.grantSet = fs.Changed("grant")
	if opts.events < 0 {
		return fmt.Errorf("--events must not be negative")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runSession(ctx, opts)
}

func runSession(ctx context.Context, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	codec := cfg.Codec
	if opts.codec != "" {
		codec, err = platform.CodecByName(strings.ToLower(opts.codec))
		if err != nil {
			return fmt.Errorf("--codec %s: %w", opts.codec, err)
		}
	}

	script, err := buildScript(cfg, opts, codec)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	if opts.debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).With("app", cfg.AppID)
	errors.SetHandler(&errors.LogHandler{Logger: logger, Verbose: opts.debug})
	defer errors.SetHandler(nil)

	loop := uithread.Start()
	defer loop.Close()
	device := simulator.New(script)
	platform.SetCodec(codec)
	platform.RegisterDispatch(loop.Post)
	platform.SetNativeBridge(device)
	defer platform.RegisterDispatch(nil)

	retries := opts.maxRetries
	if retries < 0 {
		retries = cfg.MaxRetries
		if retries == 0 {
			retries = simulatedRetries
		}
	}

	rep := newReport(stdout)
	outcome := make(chan string, 1)
	finish := func(s string) {
		select {
		case outcome <- s:
		default:
		}
	}

	c := session.NewPlatformController(session.Options{
		Permissions:     cfg.Permissions,
		Aspects:         cfg.Aspects,
		MinVersion:      cfg.MinVersion,
		MetadataTimeout: cfg.MetadataTimeout,
		Logger:          logger,
		Observer: session.ObserverFuncs{
			Value:    rep.event,
			Error:    func(err error) { finish(fmt.Sprintf("stream failed (%s): %v", errors.KindOf(err), err)) },
			Complete: func() { finish("stream completed") },
		},
	}, permission.WithRequestCode(cfg.RequestCode), permission.WithMaxRetries(retries))
	gate := c.Gate()
	detach := session.Attach(c)
	defer detach()

	// Runs after the controller's own handler for the same result.
	removeWatch := platform.Permissions.AddResultHandler(func(result platform.PermissionResult) {
		if result.RequestCode != gate.Token() {
			return
		}
		switch c.State() {
		case session.Unpermitted:
			if !gate.Pending() {
				finish("permissions denied")
			}
		case session.Permitted:
			finish("vision provider unavailable")
		}
	})
	defer removeWatch()

	logger.Info("starting session", "session", c.ID(), "codec", codecName(codec))
	if err := device.SetLifecycle(platform.LifecycleStateCreated); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if opts.stopAfter > 0 {
		t := time.NewTimer(opts.stopAfter)
		defer t.Stop()
		timeout = t.C
	}

	var result string
	select {
	case result = <-outcome:
	case <-timeout:
		result = "stopped after " + opts.stopAfter.String()
	case <-ctx.Done():
		result = "interrupted"
	}

	if err := device.SetLifecycle(platform.LifecycleStateStopped); err != nil {
		return err
	}
	loop.Sync(func() {})

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(waitCtx); err != nil {
		logger.Warn("session tasks still running", "err", err)
	}
	device.Wait()

	rep.summary(c, result)
	return nil
}

func loadConfig(path string) (*config.Resolved, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return config.ResolveConfig(filepath.Dir(path), cfg)
	}

	root, err := config.FindProjectRoot()
	if err != nil {
		if root, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	return config.Resolve(root)
}

func buildScript(cfg *config.Resolved, opts runOptions, codec platform.MessageCodec) (simulator.Script, error) {
	denyOnce, err := matchPermissions(cfg.Permissions, opts.denyOnce)
	if err != nil {
		return simulator.Script{}, fmt.Errorf("--deny-once: %w", err)
	}

	var grant []string
	if opts.grantSet {
		if grant, err = matchPermissions(cfg.Permissions, opts.grant); err != nil {
			return simulator.Script{}, fmt.Errorf("--grant: %w", err)
		}
	} else {
		for _, p := range cfg.Permissions {
			if !slices.Contains(denyOnce, p) {
				grant = append(grant, p)
			}
		}
	}

	events := make([]any, opts.events)
	for i := range events {
		events[i] = syntheticHumans(i)
	}

	return simulator.Script{
		Grant:       grant,
		DenyOnce:    denyOnce,
		Unavailable: opts.unavailable,
		NoService:   opts.noService,
		Version:     opts.providerVersion,
		ServiceInfo: map[string]any{
			"name":        "Computer Vision",
			"packageName": "com.example.cv",
			"versionName": opts.providerVersion,
			"versionCode": 1,
		},
		Events:      events,
		Interval:    opts.interval,
		StreamError: opts.streamError,
		Complete:    opts.streamError == "",
		Codec:       codec,
	}, nil
}

// matchPermissions maps names to members of set. A name matches a full
// identifier or, case-insensitively, its last dot-separated segment.
func matchPermissions(set permission.Set, names []string) ([]string, error) {
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := ""
		for _, p := range set {
			if p == name || strings.EqualFold(p[strings.LastIndex(p, ".")+1:], name) {
				found = p
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("unknown permission %q (requested: %s)", name, strings.Join(set, ", "))
		}
		out = append(out, found)
	}
	return out, nil
}

func codecName(c platform.MessageCodec) string {
	if _, ok := c.(platform.CborCodec); ok {
		return "cbor"
	}
	return "json"
}
