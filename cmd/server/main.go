package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel/soft"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture/shmsource"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture/testpattern"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/inference"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/paramstore"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/rpc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/streams"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/webmonitor"
)

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"address":           "address",
	"port":              "port",
	"chip-id":           "chip_id",
	"runtime":           "runtime",
	"cert":              "cert_file",
	"key":               "key_file",
	"model":             "models",
	"verbose":           "verbose",
	"log-level":         "log_level",
	"log-color":         "log_color",
	"metrics":           "metrics_addr",
	"http":              "monitor_addr",
	"capture":           "capture",
	"shm-dir":           "shm_dir",
	"shm":               "shm_name",
	"frame-timeout":     "frame_timeout",
	"max-cached-frames": "max_cached_frames",
	"temp-dir":          "temp_dir",
	"memfd":             "use_memfd",
	"param-app":         "param_app",
	"param-client":      "param_client",
	"config":            "config_file",
	"env-file":          "env_file",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "inference-server",
		Short:        "Camera inference gateway",
		Long:         "Serves model inference, video capture and device parameters over gRPC.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	d := config.DefaultConfig()
	f := cmd.Flags()
	f.StringP("address", "a", d.Address, "gRPC listen address")
	f.IntP("port", "p", d.Port, "gRPC listen port")
	f.IntP("chip-id", "j", d.ChipID, "Accelerator chip id (0 disables inference)")
	f.IntP("runtime", "t", d.RunTime, "Stop after this many seconds (0 runs until signalled)")
	f.StringP("cert", "c", d.CertFile, "TLS certificate file")
	f.StringP("key", "k", d.KeyFile, "TLS private key file")
	f.StringArrayP("model", "m", nil, "Model file to preload (repeatable)")
	f.BoolP("verbose", "v", d.Verbose, "Enable verbose logging")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error, silent)")
	f.Bool("log-color", d.LogColor, "Enable colored log output")
	f.String("metrics", d.MetricsAddr, "Metrics server address (empty disables)")
	f.String("http", d.MonitorAddr, "Web monitor address (empty disables)")
	f.String("capture", d.Capture, "Capture backend (shm, testpattern)")
	f.String("shm-dir", d.ShmDir, "POSIX shared memory mount point")
	f.String("shm", d.ShmName, "Camera frame ring shared memory name")
	f.Duration("frame-timeout", d.FrameTimeout, "Wait limit for a new camera frame")
	f.Int("max-cached-frames", d.MaxCachedFrames, "Frames kept per stream for later lookup")
	f.String("temp-dir", d.TempDir, "Directory for tensor backing files")
	f.Bool("memfd", d.UseMemfd, "Back tensors with memfd instead of temp files")
	f.String("param-app", d.ParamApp, "Application name in the device parameter store")
	f.String("param-client", d.ParamClient, "Device parameter client command")
	f.String("config", "", "YAML config file")
	f.String("env-file", "", "Env file loaded before reading INFERENCE_* variables")
	return cmd
}

// loadConfig resolves the configuration for cmd: defaults, then device
// parameters, then config file, env file, environment and flags. params
// overrides the device parameter client when non-nil.
func loadConfig(cmd *cobra.Command, params config.ParameterSource) (config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return config.Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	if params == nil {
		client, err := paramstore.New(v.GetString("param_app"), v.GetString("param_client"), nil)
		if err != nil {
			logger.Warn("Main", "Parameter store disabled: %v", err)
		} else {
			params = client
		}
	}
	config.ApplyParameters(v, params)

	return config.Load(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Server wires the gateway components together.
type Server struct {
	cfg         config.Config
	registry    *streams.Registry
	orch        *inference.Orchestrator
	rpc         *rpc.Server
	monitor     *webmonitor.Server
	metricsHTTP *http.Server
}

func run(cfg config.Config) error {
	level, err := logger.ParseLevel(cfg.EffectiveLogLevel())
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	logger.Info("Main", "Inference server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	srv.Start(errCh)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	var deadline <-chan time.Time
	if cfg.RunTime > 0 {
		timer := time.NewTimer(time.Duration(cfg.RunTime) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Main", "Received %s, shutting down", sig)
	case <-deadline:
		logger.Info("Main", "Runtime of %ds reached, shutting down", cfg.RunTime)
	case runErr = <-errCh:
		logger.Error("Main", "Server failed: %v", runErr)
	}

	if err := srv.Shutdown(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
	_ = logger.Default().Sync()
	return runErr
}

// NewServer builds every component. Model preload failures abort startup.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()
	log := logger.Default()

	var provider capture.Provider
	switch cfg.Capture {
	case config.CaptureTestPattern:
		provider = testpattern.New(testpattern.Options{})
	default:
		provider = shmsource.New(shmsource.Options{
			Dir:          cfg.ShmDir,
			Name:         cfg.ShmName,
			FrameTimeout: cfg.FrameTimeout,
			Log:          log,
		})
	}
	registry := streams.New(provider, streams.Config{MaxCachedFrames: cfg.MaxCachedFrames, Log: log, Metrics: m})

	s := &Server{cfg: cfg, registry: registry}

	var predictor rpc.PredictionServer
	var models webmonitor.ModelSource
	if cfg.InferenceEnabled() {
		orch, err := newOrchestrator(cfg, registry, log, m)
		if err != nil {
			registry.Close()
			return nil, err
		}
		s.orch = orch
		predictor = orch
		models = orch
	} else {
		logger.Info("Main", "No chip id configured, inference disabled")
	}

	rpcServer, err := rpc.New(predictor, registry, rpc.Config{
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
		Log:      log,
		Metrics:  m,
	})
	if err != nil {
		s.closeCore()
		return nil, err
	}
	s.rpc = rpcServer

	if cfg.MetricsAddr != "" {
		s.metricsHTTP = m.NewServer(cfg.MetricsAddr)
	}
	if cfg.MonitorAddr != "" {
		wcfg := webmonitor.DefaultConfig()
		wcfg.Addr = cfg.MonitorAddr
		s.monitor = webmonitor.NewServer(wcfg, registry, models, m)
	}
	return s, nil
}

func newOrchestrator(cfg config.Config, frames inference.FrameSource, log *logger.Logger, m *metrics.Metrics) (*inference.Orchestrator, error) {
	chip := accel.Chip(cfg.ChipID)
	conn, err := soft.Connect(soft.Options{
		Chips: []accel.Chip{accel.ChipDebug, accel.ChipTFLiteCPU, accel.ChipLibYUV, chip},
		Log:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to accelerator: %w", err)
	}

	orch := inference.New(conn, frames, inference.Config{
		Chip:     chip,
		TempDir:  cfg.TempDir,
		UseMemfd: cfg.UseMemfd,
		ShmDir:   cfg.ShmDir,
		Log:      log,
		Metrics:  m,
	})
	if err := orch.LogChips(); err != nil {
		orch.Close()
		return nil, err
	}
	if err := orch.Preload(cfg.Models); err != nil {
		orch.Close()
		return nil, fmt.Errorf("failed to preload models: %w", err)
	}
	return orch, nil
}

// Start launches the servers. Fatal serve errors are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	logger.Info("Main", "  gRPC: %s (inference=%v)", s.cfg.ListenAddr(), s.orch != nil)
	logger.Info("Main", "  Capture: %s", s.cfg.Capture)

	if s.metricsHTTP != nil {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.metricsHTTP.Addr)
			if err := s.metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if s.monitor != nil {
		go func() {
			if err := s.monitor.ListenAndServe(); err != nil {
				logger.Warn("Main", "Web monitor error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.rpc.ListenAndServe(context.Background(), s.cfg.ListenAddr()); err != nil {
			errCh <- err
		}
	}()
}

// Shutdown stops serving, then closes streams and the accelerator.
func (s *Server) Shutdown() error {
	s.rpc.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if s.monitor != nil {
		err = s.monitor.Shutdown(ctx)
	}
	if s.metricsHTTP != nil {
		if merr := s.metricsHTTP.Shutdown(ctx); merr != nil && err == nil {
			err = merr
		}
	}

	if cerr := s.closeCore(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) closeCore() error {
	s.registry.Close()
	if s.orch != nil {
		return s.orch.Close()
	}
	return nil
}
