package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"runtime/trace"
	"slices"
	"syscall"
	"time"

	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	"github.com/interledger4j/ilpv4-connector-sub010/perf"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	slogmulti "github.com/samber/slog-multi"
)

func setupDebugging() (stop func()) {
	stop = func() {}
	if state.DBG_trace {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal(err)
		}
		if err = trace.Start(f); err != nil {
			log.Println("failed to start tracing:", err)
			_ = f.Close()
		} else {
			log.Println("Started tracing")
			stop = func() {
				trace.Stop()
				_ = f.Close()
			}
		}
	}
	if state.DBG_debug {
		go func() {
			log.Println(http.ListenAndServe("0.0.0.0:6060", nil))
		}()
	}
	return stop
}

// ReadConfig loads, expands and validates the config file.
func ReadConfig(configPath string) (*state.ConnectorCfg, error) {
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg state.ConnectorCfg
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	state.ExpandConfig(&cfg)
	if err := state.ConfigValidator(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bootstrap reads the config and runs the connector until it is stopped.
func Bootstrap(configPath, logPath string, verbose bool) {
	defer setupDebugging()()
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	cfg, err := ReadConfig(configPath)
	if err != nil {
		panic(err)
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	if err := Start(cfg, level, configPath); err != nil {
		panic(err)
	}
}

func NewLogger(cfg *state.ConnectorCfg, logLevel slog.Level) (*slog.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: cfg.Id,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start runs the connector until SIGINT, SIGTERM or a fatal error.
func Start(cfg *state.ConnectorCfg, logLevel slog.Level, configPath string) error {
	logger, err := NewLogger(cfg, logLevel)
	if err != nil {
		return err
	}
	s, dispatch, err := Boot(cfg, logger)
	if err != nil {
		return err
	}
	s.ConfigPath = configPath
	s.Log.Info("connector has been initialized. To gracefully exit, send SIGINT or Ctrl+C.", "address", cfg.OperatorAddress)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-s.Context.Done():
			return
		}
	}()

	return MainLoop(s, dispatch)
}

// Boot initialises every module. The returned dispatch channel must be
// drained by MainLoop.
func Boot(cfg *state.ConnectorCfg, logger *slog.Logger) (*state.State, <-chan func(*state.State) error, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, 128)
	env := state.NewEnv(ctx, cancel, logger, cfg)
	env.DispatchChannel = dispatch
	s := &state.State{
		Env:     env,
		Modules: make(map[string]state.ConnectorModule),
	}

	s.Log.Info("init modules")
	if err := initModules(s); err != nil {
		Stop(s)
		return nil, nil, err
	}
	s.Log.Info("init modules complete")
	return s, dispatch, nil
}

func initModules(s *state.State) error {
	modules := []state.ConnectorModule{
		&ConnectorEvents{},
		&ConnectorStore{},
		&BalanceTracker{},
		&LinkManager{},
		&ConnectorRouter{},
		&PacketSwitch{},
		&SettlementWorker{},
		&ConnectorServer{},
	}
	for _, module := range modules {
		name := moduleName(module)
		s.Modules[name] = module
		if err := module.Init(s); err != nil {
			delete(s.Modules, name)
			return fmt.Errorf("failed to init %s: %w", name, err)
		}
		s.Order = append(s.Order, name)
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*50 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for _, name := range slices.Backward(s.Order) {
		if err := s.Modules[name].Cleanup(s); err != nil {
			s.Log.Error("error occurred during Stop: ", "module", name, "error", err)
		}
	}
	s.Log.Info("stopped")
}
