// wand -- the WAN router daemon, joining multiple LAN switches across
// prefixes with all-pairs shortest path routing.
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
	"sync/atomic"
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
	"github.com/crimsonvista/playground/internal/wan"
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

	logger.Info("wand starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.WAN.ListenAddr),
		slog.Int("links", len(cfg.WAN.Links)),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	router, links, dampener, err := buildTopology(cfg.WAN, collector, logger)
	if err != nil {
		logger.Error("failed to build topology", slog.Any("error", err))
		return 1
	}

	defer func() {
		for _, l := range links {
			l.Close()
		}
	}()

	dispatcher := spmp.NewDispatcher(logger)
	registerWANVerbs(dispatcher, router, links, dampener)

	if err := runServers(cfg, router, dispatcher, collector, reg, logger); err != nil {
		logger.Error("wand exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("wand stopped")

	return 0
}

// buildTopology creates one switchnet.Switch per distinct prefix named
// in cfg.Links, a Graph edge for every declared adjacency, a Router
// over both, and a DirectLink per adjacency wired to collector/dampener.
func buildTopology(cfg config.WANConfig, collector *metrics.Collector, logger *slog.Logger) (*wan.Router, []*wan.DirectLink, *wan.Dampener, error) {
	graph := wan.NewGraph()
	router := wan.NewRouter(graph, logger)

	dampenCfg, err := parseDampenConfig(cfg.Dampen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse dampen config: %w", err)
	}

	dampener := wan.NewDampener(dampenCfg)

	neighbors := make(map[int][]int)
	for _, link := range cfg.Links {
		if _, ok := router.Switch(link.Prefix); !ok {
			router.AddSwitch(link.Prefix, switchnet.New(switchnet.WithLogger(logger)))
		}

		if _, ok := router.Switch(link.Peer); !ok {
			router.AddSwitch(link.Peer, switchnet.New(switchnet.WithLogger(logger)))
		}

		neighbors[link.Prefix] = append(neighbors[link.Prefix], link.Peer)
	}

	for prefix, peers := range neighbors {
		graph.SetDirectConnections(prefix, peers)
	}

	var links []*wan.DirectLink
	seen := make(map[[2]int]bool)

	for _, link := range cfg.Links {
		key := [2]int{link.Prefix, link.Peer}
		rkey := [2]int{link.Peer, link.Prefix}

		if seen[key] || seen[rkey] {
			continue
		}

		seen[key] = true

		swA, _ := router.Switch(link.Prefix)
		swB, _ := router.Switch(link.Peer)

		dl := wan.NewDirectLink(swA, link.Prefix, swB, link.Peer, link.LossRate)

		linkKey := fmt.Sprintf("%d<->%d", link.Prefix, link.Peer)
		dl.OnDrop(func(linkID string) {
			if dampener.RecordEvent(linkKey) {
				collector.IncDampenSuppressions(strconv.Itoa(link.Prefix), strconv.Itoa(link.Peer))
				return
			}

			logger.Warn("direct link dropping corrupted frames", slog.String("link", linkID))
		})

		collector.SetLinkUp(strconv.Itoa(link.Prefix), strconv.Itoa(link.Peer), true)

		links = append(links, dl)
	}

	return router, links, dampener, nil
}

func parseDampenConfig(cfg config.DampenConfig) (wan.DampenConfig, error) {
	maxSuppress, err := time.ParseDuration(cfg.MaxSuppressTime)
	if err != nil {
		return wan.DampenConfig{}, fmt.Errorf("max_suppress_time: %w", err)
	}

	halfLife, err := time.ParseDuration(cfg.HalfLife)
	if err != nil {
		return wan.DampenConfig{}, fmt.Errorf("half_life: %w", err)
	}

	return wan.DampenConfig{
		SuppressThreshold: cfg.SuppressThreshold,
		ReuseThreshold:    cfg.ReuseThreshold,
		MaxSuppressTime:   maxSuppress,
		HalfLife:          halfLife,
		PenaltyPerEvent:   cfg.PenaltyPerEvent,
	}, nil
}

func registerWANVerbs(d *spmp.Dispatcher, router *wan.Router, links []*wan.DirectLink, dampener *wan.Dampener) {
	d.Register("ping", func(ctx context.Context, args []string) (string, error) {
		return "pong", nil
	})

	d.Register("prefixes", func(ctx context.Context, args []string) (string, error) {
		out := ""
		for _, p := range router.Graph().Prefixes() {
			out += strconv.Itoa(p) + " "
		}

		return out, nil
	})
}

var nextSessionID atomic.Uint64

func runServers(cfg *config.Config, router *wan.Router, dispatcher *spmp.Dispatcher, collector *metrics.Collector, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	var listeners []net.Listener

	for _, link := range cfg.WAN.Links {
		if link.ListenAddr == "" {
			continue
		}

		ln, err := net.Listen("tcp", link.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s (prefix %d): %w", link.ListenAddr, link.Prefix, err)
		}

		listeners = append(listeners, ln)
		prefix := link.Prefix

		g.Go(func() error {
			return acceptLANLoop(gCtx, ln, router, prefix, collector, logger)
		})
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	ctrlLn, err := net.Listen("tcp", cfg.WAN.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.WAN.ListenAddr, err)
	}

	listeners = append(listeners, ctrlLn)
	g.Go(func() error {
		return acceptControlLoop(gCtx, ctrlLn, dispatcher, logger)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return shutdown(listeners, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}

	return nil
}

func acceptLANLoop(ctx context.Context, ln net.Listener, router *wan.Router, prefix int, collector *metrics.Collector, logger *slog.Logger) error {
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

		go handleLANConn(conn, router, prefix, collector, logger)
	}
}

func handleLANConn(conn net.Conn, router *wan.Router, prefix int, collector *metrics.Collector, logger *slog.Logger) {
	id := fmt.Sprintf("wan-%d-%d", prefix, nextSessionID.Add(1))
	upstream := framing.NewSession(conn)
	adapter := wan.NewHierarchyRouter(id, upstream, router, prefix)

	sw, ok := router.Switch(prefix)
	addr := conn.LocalAddr().String()

	defer func() {
		if ok {
			sw.UnregisterLink(adapter)
		}

		conn.Close()
	}()

	err := framing.ReadLoop(conn, nil, logger, func(frame []byte, p *wire.Packet) {
		if handleErr := router.HandleFrame(adapter, frame, p); handleErr != nil {
			collector.IncFramesDropped(addr)
			logger.Debug("dropping wan frame", slog.Any("error", handleErr))

			return
		}

		collector.IncFramesRelayed(addr)
	})
	if err != nil {
		logger.Debug("lan session closed", slog.String("session", id), slog.Any("error", err))
	}
}

func acceptControlLoop(ctx context.Context, ln net.Listener, dispatcher *spmp.Dispatcher, logger *slog.Logger) error {
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

		go handleControlConn(conn, dispatcher, logger)
	}
}

func handleControlConn(conn net.Conn, dispatcher *spmp.Dispatcher, logger *slog.Logger) {
	defer conn.Close()

	session := framing.NewSession(conn)

	err := framing.ReadLoop(conn, nil, logger, func(frame []byte, p *wire.Packet) {
		if p.Identifier() != wire.SPMPPacketDef.Identifier {
			return
		}

		resp := dispatcher.Dispatch(context.Background(), p)

		if sendErr := session.SendPacket(resp); sendErr != nil {
			logger.Debug("failed to write spmp response", slog.Any("error", sendErr))
		}
	})
	if err != nil {
		logger.Debug("control session closed", slog.Any("error", err))
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

func shutdown(listeners []net.Listener, metricsSrv *http.Server) error {
	for _, ln := range listeners {
		ln.Close()
	}

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
