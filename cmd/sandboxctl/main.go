// sandboxctl runs guest modules under the sandbox from the command line.
//
//	sandboxctl run --module echo.yaml --fn echo --params '{"message":"hi"}' --fuel 10000 --memory 16MiB
//	sandboxctl inspect --module plugin.wasm
//	sandboxctl serve --module plugin.wasm --listen 127.0.0.1:8080
//	sandboxctl events --audit-log audit.cbor --from 0 --limit 50
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/reglet-dev/reglet-sandbox/application/sandbox"
	"github.com/reglet-dev/reglet-sandbox/config"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/infrastructure/store"
	"github.com/reglet-dev/reglet-sandbox/infrastructure/websocket"
	"github.com/spf13/pflag"
)

// Exit codes distinguish sandbox refusals from usage mistakes.
const (
	exitError     = 1
	exitUsage     = 2
	exitViolation = 3
	exitExhausted = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return 0
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(ctx, args[1:], stdout, stderr)
	case "inspect":
		err = inspectCommand(ctx, args[1:], stdout, stderr)
	case "events":
		err = eventsCommand(ctx, args[1:], stdout)
	case "serve":
		err = serveCommand(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var usage *usageError
	switch {
	case errors.As(err, &usage), errors.Is(err, entities.ErrConfiguration):
		return exitUsage
	case errors.Is(err, entities.ErrSecurityViolation):
		return exitViolation
	case errors.Is(err, entities.ErrResourceExhausted):
		return exitExhausted
	}
	return exitError
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sandboxctl runs guest modules under resource limits and capabilities.

Usage:
  sandboxctl run      --module FILE --fn NAME [--params JSON] [--fuel N] [--memory SIZE]
  sandboxctl inspect  --module FILE
  sandboxctl events   --audit-log FILE [--from N] [--limit N]
  sandboxctl serve    --module FILE [--listen ADDR] [--path PATH] [--fuel N] [--memory SIZE]

Run "sandboxctl COMMAND --help" for command flags.
`)
}

// runFlags are the flags of the run command.
type runFlags struct {
	module       string
	function     string
	params       string
	fuel         uint64
	memory       string
	timeout      time.Duration
	configPath   string
	capabilities []string
	showUsage    bool
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var f runFlags
	flagSet := pflag.NewFlagSet("sandboxctl run", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&f.module, "module", "", "module file (wasm binary or native descriptor)")
	flagSet.StringVar(&f.function, "fn", "", "exported function to call")
	flagSet.StringVar(&f.params, "params", "", "JSON parameters")
	flagSet.Uint64Var(&f.fuel, "fuel", 0, "fuel budget (0 for unlimited)")
	flagSet.StringVar(&f.memory, "memory", "", "linear memory ceiling, e.g. 16MiB")
	flagSet.DurationVar(&f.timeout, "timeout", 0, "wall-clock limit for the call")
	flagSet.StringVar(&f.configPath, "config", "", "host configuration file (YAML or JSONC)")
	flagSet.StringSliceVar(&f.capabilities, "cap", nil, "configured capability to bind, by name (repeatable)")
	flagSet.BoolVar(&f.showUsage, "usage", false, "print resource usage after the call")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if f.module == "" || f.function == "" {
		return usagef("run needs --module and --fn")
	}
	if f.params != "" && !json.Valid([]byte(f.params)) {
		return usagef("--params is not valid JSON")
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	lim, err := instanceLimits(cfg, f.fuel, f.memory, f.timeout)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(f.module)
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}

	ctrl, err := newController(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close(context.WithoutCancel(ctx)) }()

	caps, err := bindCapabilities(ctx, cfg, ctrl, f.capabilities)
	if err != nil {
		return err
	}

	info, err := ctrl.LoadModule(ctx, data)
	if err != nil {
		return err
	}
	id, err := ctrl.CreateInstance(ctx, info.ID, lim, caps)
	if err != nil {
		return err
	}
	var params any
	if f.params != "" {
		params = json.RawMessage(f.params)
	}
	out, callErr := ctrl.Call(ctx, id, f.function, params)
	if callErr == nil {
		fmt.Fprintln(stdout, string(out))
	}
	if f.showUsage {
		if usage, err := ctrl.Usage(id); err == nil {
			printUsageSnapshot(stderr, usage)
		}
	}
	return callErr
}

// instanceLimits applies command-line overrides to the configured limits.
func instanceLimits(cfg *config.Config, fuel uint64, memory string, timeout time.Duration) (entities.ResourceLimits, error) {
	lim := cfg.Limits
	if fuel > 0 {
		lim.MaxFuel = fuel
	}
	if memory != "" {
		n, err := humanize.ParseBytes(memory)
		if err != nil {
			return lim, usagef("--memory: %v", err)
		}
		lim.MaxMemoryBytes = n
	}
	if timeout > 0 {
		lim.MaxWallClock = timeout
	}
	return lim, nil
}

// bindCapabilities grants the configured capabilities and picks the named
// ones.
func bindCapabilities(ctx context.Context, cfg *config.Config, ctrl *sandbox.Controller, names []string) (entities.CapabilitySet, error) {
	granted, err := cfg.Grant(ctx, ctrl)
	if err != nil {
		return nil, err
	}
	var caps entities.CapabilitySet
	for _, name := range names {
		id, ok := granted[name]
		if !ok {
			return nil, usagef("--cap %s: no such capability in the configuration", name)
		}
		caps = append(caps, id)
	}
	return caps, nil
}

func printUsageSnapshot(w io.Writer, u entities.UsageSnapshot) {
	fmt.Fprintf(w, "state:     %s\n", u.State)
	fmt.Fprintf(w, "memory:    %s\n", humanize.IBytes(u.MemoryBytes))
	fmt.Fprintf(w, "fuel:      %d used, %d left\n", u.FuelConsumed, u.FuelRemaining)
	fmt.Fprintf(w, "wall:      %s\n", u.WallClock.Round(time.Microsecond))
	fmt.Fprintf(w, "calls:     %d\n", u.Calls)
}

func inspectCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var module, configPath string
	flagSet := pflag.NewFlagSet("sandboxctl inspect", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&module, "module", "", "module file")
	flagSet.StringVar(&configPath, "config", "", "host configuration file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if module == "" {
		return usagef("inspect needs --module")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(module)
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}
	ctrl, err := newController(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close(context.WithoutCancel(ctx)) }()

	info, err := ctrl.LoadModule(ctx, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "id:      %s\n", info.ID)
	fmt.Fprintf(stdout, "engine:  %s\n", info.Engine)
	fmt.Fprintf(stdout, "size:    %s\n", humanize.IBytes(uint64(info.Size)))
	fmt.Fprintf(stdout, "memory:  %s initial\n", humanize.IBytes(info.MinMemoryBytes))
	for _, exp := range info.Exports {
		fmt.Fprintf(stdout, "export:  %s\n", exp.Name)
	}
	for _, imp := range info.Imports {
		fmt.Fprintf(stdout, "import:  %s\n", imp)
	}
	return nil
}

func eventsCommand(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		path  string
		from  uint64
		limit int
		kind  string
	)
	flagSet := pflag.NewFlagSet("sandboxctl events", pflag.ContinueOnError)
	flagSet.StringVar(&path, "audit-log", "", "audit log file")
	flagSet.Uint64Var(&from, "from", 0, "first sequence number")
	flagSet.IntVar(&limit, "limit", 100, "maximum events to print")
	flagSet.StringVar(&kind, "kind", "", "only events whose kind starts with this prefix")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if path == "" {
		return usagef("events needs --audit-log")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	log, err := store.OpenAuditLog(path)
	if err != nil {
		return err
	}
	defer log.Close()

	events, err := log.Read(ctx, from, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	for _, ev := range events {
		if kind != "" && !strings.HasPrefix(string(ev.Kind), kind) {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// serveFlags are the flags of the serve command.
type serveFlags struct {
	module       string
	listen       string
	path         string
	fuel         uint64
	memory       string
	timeout      time.Duration
	configPath   string
	capabilities []string
}

func serveCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var f serveFlags
	flagSet := pflag.NewFlagSet("sandboxctl serve", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&f.module, "module", "", "module file (wasm binary or native descriptor)")
	flagSet.StringVar(&f.listen, "listen", "127.0.0.1:8080", "address to listen on")
	flagSet.StringVar(&f.path, "path", "/channel", "websocket endpoint path")
	flagSet.Uint64Var(&f.fuel, "fuel", 0, "fuel budget per instance (0 for unlimited)")
	flagSet.StringVar(&f.memory, "memory", "", "linear memory ceiling per instance, e.g. 16MiB")
	flagSet.DurationVar(&f.timeout, "timeout", 0, "wall-clock limit per call")
	flagSet.StringVar(&f.configPath, "config", "", "host configuration file (YAML or JSONC)")
	flagSet.StringSliceVar(&f.capabilities, "cap", nil, "configured capability to bind, by name (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if f.module == "" {
		return usagef("serve needs --module")
	}
	if !strings.HasPrefix(f.path, "/") {
		return usagef("--path must start with /")
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	lim, err := instanceLimits(cfg, f.fuel, f.memory, f.timeout)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(f.module)
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}

	ctrl, err := newController(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close(context.WithoutCancel(ctx)) }()
	caps, err := bindCapabilities(ctx, cfg, ctrl, f.capabilities)
	if err != nil {
		return err
	}
	info, err := ctrl.LoadModule(ctx, data)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	logger := cfg.Logger(stderr)
	mux := http.NewServeMux()
	mux.Handle(f.path, instanceHandler(ctrl, info.ID, lim, caps, logger))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	fmt.Fprintf(stdout, "serving module %s on ws://%s%s\n", info.ID, ln.Addr(), f.path)

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instanceHandler gives every websocket connection a fresh instance of
// moduleID, served over the connection and removed when it closes.
func instanceHandler(ctrl *sandbox.Controller, moduleID string, lim entities.ResourceLimits, caps entities.CapabilitySet, logger *slog.Logger) http.Handler {
	return websocket.NewHandler(func(ctx context.Context, conn *websocket.Conn) {
		id, err := ctrl.CreateInstance(ctx, moduleID, lim, caps)
		if err != nil {
			logger.Warn("creating instance for remote host failed", "module", moduleID, "error", err)
			return
		}
		defer func() { _ = ctrl.Remove(context.WithoutCancel(ctx), id) }()
		if err := ctrl.Serve(ctx, id, conn); err != nil && !websocket.IsDisconnected(err) {
			logger.Warn("remote host session failed", "instance", id, "error", err)
		}
	}, nil, websocket.WithLogger(logger))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.LogLevel = "warn"
		return cfg, nil
	}
	return config.Load(path)
}

func newController(ctx context.Context, cfg *config.Config, stderr io.Writer) (*sandbox.Controller, error) {
	logger := cfg.Logger(stderr)
	opts, err := cfg.Options(logger)
	if err != nil {
		return nil, err
	}
	return sandbox.New(ctx, opts...)
}
