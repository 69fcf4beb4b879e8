// vnicd -- the per-host virtual network interface daemon.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/config"
	"github.com/crimsonvista/playground/internal/framing"
	"github.com/crimsonvista/playground/internal/metrics"
	"github.com/crimsonvista/playground/internal/vnic"
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

	self, err := addr.ParseAddress(cfg.VNIC.Address)
	if err != nil {
		logger.Error("invalid vnic address", slog.String("address", cfg.VNIC.Address), slog.Any("error", err))
		return 1
	}

	logger.Info("vnicd starting",
		slog.String("version", appversion.Version),
		slog.String("address", cfg.VNIC.Address),
		slog.String("switch_addr", cfg.VNIC.SwitchAddr),
		slog.String("listen_addr", cfg.VNIC.ListenAddr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	link, err := net.Dial("tcp", cfg.VNIC.SwitchAddr)
	if err != nil {
		logger.Error("failed to dial switch", slog.Any("error", err))
		return 1
	}
	defer link.Close()

	linkSession := framing.NewSession(link)
	v := vnic.New(self, linkSession, vnic.NetDialer{}, logger)

	if err := v.SetPromiscuity(cfg.VNIC.PromiscuityLevel); err != nil {
		logger.Error("failed to announce", slog.Any("error", err))
		return 1
	}

	if err := runServers(cfg, v, link, collector, reg, logger); err != nil {
		logger.Error("vnicd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("vnicd stopped")

	return 0
}

func runServers(cfg *config.Config, v *vnic.VNIC, link net.Conn, collector *metrics.Collector, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", cfg.VNIC.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.VNIC.ListenAddr, err)
	}

	g.Go(func() error {
		return readOverlayLink(gCtx, link, v, collector, logger)
	})

	g.Go(func() error {
		return acceptControlLoop(gCtx, ln, v, collector, logger)
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

// readOverlayLink decodes WirePackets arriving from the switch and
// hands each to the VNIC's inbound demultiplexer.
func readOverlayLink(ctx context.Context, link net.Conn, v *vnic.VNIC, collector *metrics.Collector, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		link.Close()
	}()

	err := framing.ReadLoop(link, nil, logger, func(frame []byte, p *wire.Packet) {
		if p.Identifier() != wire.WirePacketDef.Identifier {
			return
		}

		if err := v.HandleInboundWirePacket(p); err != nil {
			logger.Debug("dropping inbound overlay packet", slog.Any("error", err))
			return
		}

		collector.AddBytesReceived(link.LocalAddr().String(), len(frame))
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("overlay link closed: %w", err)
	}

	return nil
}

func acceptControlLoop(ctx context.Context, ln net.Listener, v *vnic.VNIC, collector *metrics.Collector, logger *slog.Logger) error {
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

		go handleControlConn(conn, v, collector, logger)
	}
}

func handleControlConn(conn net.Conn, v *vnic.VNIC, collector *metrics.Collector, logger *slog.Logger) {
	ctrl := framing.NewSession(conn)

	defer func() {
		v.StopDump(ctrl)
		conn.Close()
	}()

	err := framing.ReadLoop(conn, nil, logger, func(frame []byte, p *wire.Packet) {
		switch p.Identifier() {
		case wire.VNICSocketOpenDef.Identifier:
			if err := v.HandleSocketOpen(ctrl, p); err != nil {
				logger.Debug("socket open failed", slog.Any("error", err))
				return
			}

			collector.IncConnectionsOpened(conn.LocalAddr().String())
		case wire.VNICSocketCloseDef.Identifier:
			if err := v.HandleSocketClose(p); err != nil {
				logger.Debug("socket close failed", slog.Any("error", err))
				return
			}

			collector.IncConnectionsClosed(conn.LocalAddr().String())
		case wire.VNICStartDumpDef.Identifier:
			v.StartDump(ctrl)
		case wire.VNICStopDumpDef.Identifier:
			v.StopDump(ctrl)
		case wire.VNICPromiscuousLevelDef.Identifier:
			if level, ok, perr := p.PromiscuousSet(); perr == nil && ok {
				if err := v.SetPromiscuity(level); err != nil {
					logger.Debug("set promiscuity failed", slog.Any("error", err))
				}
			}

			if err := ctrl.SendPacket(wire.NewVNICPromiscuousSet(v.Promiscuity())); err != nil {
				logger.Debug("sending promiscuity level failed", slog.Any("error", err))
			}
		case wire.WirePacketDef.Identifier:
			if err := v.InjectWirePacket(p); err != nil {
				logger.Debug("dump-injected WirePacket rejected", slog.Any("error", err))
			}
		}
	})
	if err != nil {
		logger.Debug("control session closed", slog.String("session", ctrl.ID()), slog.Any("error", err))
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
