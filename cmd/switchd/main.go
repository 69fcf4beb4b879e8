// switchd -- the overlay LAN switch daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crimsonvista/playground/internal/config"
	"github.com/crimsonvista/playground/internal/framing"
	"github.com/crimsonvista/playground/internal/metrics"
	"github.com/crimsonvista/playground/internal/spmp"
	"github.com/crimsonvista/playground/internal/switchnet"
	appversion "github.com/crimsonvista/playground/internal/version"
	"github.com/crimsonvista/playground/internal/wire"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}

	if err := config.Validate(cfg); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("switchd starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.Switch.ListenAddr),
		slog.Float64("loss_rate", cfg.Switch.LossRate),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	sw, dispatcher := newSwitch(cfg.Switch, logger)

	if err := runServers(cfg, sw, dispatcher, collector, reg, logger); err != nil {
		logger.Error("switchd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("switchd stopped")

	return 0
}

// newSwitch builds the Switch, installing an SPMP dispatcher as its
// extension handler for non-data-plane traffic, and wrapping the write
// path with the unreliable mutator when a non-zero loss rate is configured.
func newSwitch(cfg config.SwitchConfig, logger *slog.Logger) (*switchnet.Switch, *spmp.Dispatcher) {
	dispatcher := spmp.NewDispatcher(logger)
	dispatcher.Register("ping", func(ctx context.Context, args []string) (string, error) {
		return "pong", nil
	})

	extension := func(session switchnet.Session, p *wire.Packet) {
		dispatchSPMP(session, p, dispatcher, logger)
	}

	opts := []switchnet.Option{switchnet.WithLogger(logger), switchnet.WithExtension(extension)}

	if cfg.LossRate <= 0 {
		return switchnet.New(opts...), dispatcher
	}

	sw, unreliable := switchnet.NewUnreliableSwitch(switchnet.LossParams{
		ErrorsPerHorizon: 1,
		ErrorHorizon:     int(1 / cfg.LossRate),
	}, opts...)

	registerLossVerbs(dispatcher, unreliable)

	return sw, dispatcher
}

// registerLossVerbs exposes the unreliable switch's loss/delay
// parameters as runtime-mutable SPMP verbs.
func registerLossVerbs(dispatcher *spmp.Dispatcher, unreliable *switchnet.Unreliable) {
	dispatcher.Register("get-loss-params", func(_ context.Context, _ []string) (string, error) {
		p := unreliable.Params()

		return fmt.Sprintf("errorsPerHorizon=%d errorHorizon=%d delayRate=%g delaySeconds=%s",
			p.ErrorsPerHorizon, p.ErrorHorizon, p.DelayRate, p.DelaySeconds), nil
	})

	dispatcher.Register("set-loss-params", func(_ context.Context, args []string) (string, error) {
		if len(args) != 4 {
			return "", fmt.Errorf("set-loss-params requires 4 args: errorsPerHorizon errorHorizon delayRate delaySeconds")
		}

		errorsPerHorizon, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("invalid errorsPerHorizon: %w", err)
		}

		errorHorizon, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("invalid errorHorizon: %w", err)
		}

		delayRate, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return "", fmt.Errorf("invalid delayRate: %w", err)
		}

		delaySeconds, err := time.ParseDuration(args[3])
		if err != nil {
			return "", fmt.Errorf("invalid delaySeconds: %w", err)
		}

		unreliable.SetParams(switchnet.LossParams{
			ErrorsPerHorizon: errorsPerHorizon,
			ErrorHorizon:     errorHorizon,
			DelayRate:        delayRate,
			DelaySeconds:     delaySeconds,
		})

		return "ok", nil
	})
}

func dispatchSPMP(session switchnet.Session, p *wire.Packet, dispatcher *spmp.Dispatcher, logger *slog.Logger) {
	if p.Identifier() != wire.SPMPPacketDef.Identifier {
		return
	}

	resp := dispatcher.Dispatch(context.Background(), p)

	frame, err := wire.EncodePacket(resp)
	if err != nil {
		logger.Warn("failed to encode spmp response", slog.Any("error", err))
		return
	}

	if err := session.WriteFrame(frame); err != nil {
		logger.Debug("failed to write spmp response", slog.Any("error", err))
	}
}

func runServers(cfg *config.Config, sw *switchnet.Switch, dispatcher *spmp.Dispatcher, collector *metrics.Collector, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", cfg.Switch.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Switch.ListenAddr, err)
	}

	g.Go(func() error {
		return acceptLoop(gCtx, ln, sw, collector, logger)
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return shutdown(ln, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}

	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, sw *switchnet.Switch, collector *metrics.Collector, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		go handleSwitchConn(conn, sw, collector, logger)
	}
}

func handleSwitchConn(conn net.Conn, sw *switchnet.Switch, collector *metrics.Collector, logger *slog.Logger) {
	session := framing.NewSession(conn)
	addr := conn.LocalAddr().String()

	defer func() {
		sw.UnregisterLink(session)
		conn.Close()
	}()

	err := framing.ReadLoop(conn, nil, logger, func(frame []byte, p *wire.Packet) {
		if handleErr := sw.HandleFrame(session, frame, p); handleErr != nil {
			collector.IncFramesDropped(addr)
			logger.Debug("dropping frame", slog.Any("error", handleErr))

			return
		}

		collector.IncFramesRelayed(addr)
	})
	if err != nil {
		logger.Debug("switch session closed", slog.String("session", session.ID()), slog.Any("error", err))
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}

	return nil
}

func shutdown(ln net.Listener, metricsSrv *http.Server) error {
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return metricsSrv.Shutdown(ctx)
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}

		return cfg, nil
	}

	return config.DefaultConfig(), nil
}
