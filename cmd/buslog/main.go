// buslog demonstrates the callbus engine as a small network log pipeline.
//
//	buslog -mode sink                bind UDP, receive LogRecord frames and
//	                                 write them through the console logger
//	buslog -mode emit -count 10      send records to the sink and wait for
//	                                 every acknowledgment
//
// With an [etcd] section in the config, the sink registers its address
// under the record endpoint id and emitters discover it instead of relying
// on -peer. When a metrics_addr is configured, prometheus counters are
// served on /metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"callbus/balance"
	"callbus/codec"
	"callbus/config"
	"callbus/engine"
	"callbus/observability"
	"callbus/registry"
	"callbus/reliability"
	"callbus/remote"
	sig "callbus/signal"
	"callbus/transport"
)

// LogRecord is the unit of traffic: one log line from an emitting host.
// Both sides of the endpoint decode it with the JSON codec.
type LogRecord struct {
	Host  string    `json:"host"`
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
	TS    time.Time `json:"ts"`
}

func main() {
	var (
		configPath  = flag.String("config", "", "TOML config path (optional)")
		mode        = flag.String("mode", "", "sink or emit, overrides the config")
		listen      = flag.String("listen", "", "UDP bind address, overrides the config")
		peer        = flag.String("peer", "", "remote engine address, overrides the config")
		count       = flag.Int("count", 5, "records to send in emit mode")
		writeConfig = flag.String("write-config", "", "write a commented config template to this path and exit")
	)
	flag.Parse()

	if *writeConfig != "" {
		if err := config.WriteTemplate(*writeConfig, false); err != nil {
			fmt.Fprintf(os.Stderr, "buslog: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote", *writeConfig)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "buslog: %v\n", err)
			os.Exit(1)
		}
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *peer != "" {
		cfg.Peer = *peer
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "buslog: %v\n", err)
		os.Exit(1)
	}

	logger := observability.InitLogger(cfg.App)
	if err := observability.SetLevel(cfg.LogLevel); err != nil {
		logger.Fatal().Err(err).Msg("bad log level")
	}
	observability.RegisterMetrics()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics exposed")
	}

	// The log level follows the config file while the process runs.
	if *configPath != "" {
		w, err := config.Watch(*configPath, logger, func(next config.Config) {
			if err := observability.SetLevel(next.LogLevel); err != nil {
				logger.Warn().Err(err).Msg("reloaded log level rejected")
				return
			}
			logger.Info().Str("level", next.LogLevel).Msg("log level updated")
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watch unavailable")
		} else {
			defer w.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cfg.Mode {
	case "sink":
		err = runSink(ctx, cfg, logger)
	case "emit":
		err = runEmit(ctx, cfg, logger, *count)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("buslog stopped")
	}
}

func newEngine(name string, tr transport.Transport, cfg config.Config, logger zerolog.Logger) (*engine.Engine, error) {
	eng, err := engine.New(engine.Config{
		Name:      name,
		Transport: tr,
		Monitor: reliability.MonitorConfig{
			AckTimeout:  cfg.Reliability.AckTimeout.Std(),
			MaxRetries:  cfg.Reliability.MaxRetries,
			WindowLimit: cfg.Reliability.WindowLimit,
			ResendRate:  rate.Limit(cfg.Reliability.ResendRate),
			ResendBurst: cfg.Reliability.ResendBurst,
		},
		QueueCapacity:  cfg.Engine.QueueCapacity,
		ReceiveTimeout: cfg.Engine.ReceiveTimeout.Std(),
		SweepInterval:  cfg.Engine.SweepInterval.Std(),
		HandoffTimeout: cfg.Engine.HandoffTimeout.Std(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	eng.Use(engine.RecoveryMiddleware(logger))
	eng.Use(engine.LoggingMiddleware(logger))
	return eng, nil
}

// runSink receives LogRecord frames and writes each through the console
// logger at the level the record asks for.
func runSink(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	tr, err := transport.NewUDPListener(cfg.Listen)
	if err != nil {
		return err
	}
	eng, err := newEngine("sink", tr, cfg, logger)
	if err != nil {
		tr.Close()
		return err
	}

	recv, err := remote.NewReceiver[LogRecord](eng, cfg.EndpointID, codec.GetCodec(codec.CodecTypeJSON))
	if err != nil {
		return err
	}
	recv.Connect(sig.Bind(func(rec LogRecord) {
		lvl, err := zerolog.ParseLevel(rec.Level)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		logger.WithLevel(lvl).
			Str("host", rec.Host).
			Time("emitted", rec.TS).
			Msg(rec.Msg)
	}))

	if err := eng.Start(); err != nil {
		return err
	}
	logger.Info().
		Str("listen", cfg.Listen).
		Uint16("endpoint", cfg.EndpointID).
		Msg("sink up")

	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints)
		if err != nil {
			logger.Warn().Err(err).Msg("etcd unavailable, running unregistered")
		} else {
			inst := registry.Instance{Addr: cfg.Listen, Weight: 1, Proto: "udp"}
			if err := reg.Register(cfg.EndpointID, inst, cfg.Etcd.TTL); err != nil {
				logger.Warn().Err(err).Msg("etcd register failed")
			} else {
				logger.Info().Str("addr", cfg.Listen).Msg("registered in etcd")
			}
			defer func() {
				reg.Deregister(cfg.EndpointID, cfg.Listen)
				reg.Close()
			}()
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return eng.Stop()
}

// runEmit sends count records to the sink, then waits until every one is
// acknowledged or fails out of its retry budget.
func runEmit(ctx context.Context, cfg config.Config, logger zerolog.Logger, count int) error {
	peerAddr := cfg.Peer
	if len(cfg.Etcd.Endpoints) > 0 {
		if addr, err := discoverPeer(cfg); err != nil {
			logger.Warn().Err(err).Str("fallback", peerAddr).Msg("discovery failed, using configured peer")
		} else {
			peerAddr = addr
		}
	}

	tr, err := transport.NewUDP(":0", peerAddr)
	if err != nil {
		return err
	}
	eng, err := newEngine("emit", tr, cfg, logger)
	if err != nil {
		tr.Close()
		return err
	}

	// Outcome counters for the final summary. The handler runs on the
	// engine's worker goroutine.
	var (
		mu     sync.Mutex
		acked  int
		failed int
	)
	eng.OnStatus.Connect(sig.Bind(func(ev reliability.DeliveryEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Status {
		case reliability.StatusAcknowledged:
			acked++
		case reliability.StatusFailed:
			failed++
		}
	}))

	if err := eng.Start(); err != nil {
		return err
	}
	logger.Info().Str("peer", peerAddr).Int("count", count).Msg("emitting")

	host, _ := os.Hostname()
	snd := remote.NewSender[LogRecord](eng, cfg.EndpointID, codec.GetCodec(codec.CodecTypeJSON))
	for i := 0; i < count; i++ {
		rec := LogRecord{
			Host:  host,
			Level: "info",
			Msg:   fmt.Sprintf("record %d of %d", i+1, count),
			TS:    time.Now(),
		}
		if err := snd.Send(rec); err != nil {
			logger.Error().Err(err).Int("n", i+1).Msg("send failed")
		}
	}

	// Every successful Send is tracked before it returns, so once the
	// window drains every record has a terminal outcome.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
wait:
	for eng.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted with deliveries still in flight")
			break wait
		case <-tick.C:
		}
	}

	mu.Lock()
	logger.Info().Int("acked", acked).Int("failed", failed).Msg("emit finished")
	mu.Unlock()
	return eng.Stop()
}

// discoverPeer asks etcd which addresses serve the record endpoint and
// picks one.
func discoverPeer(cfg config.Config) (string, error) {
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints)
	if err != nil {
		return "", err
	}
	defer reg.Close()

	instances, err := reg.Discover(cfg.EndpointID)
	if err != nil {
		return "", err
	}
	picker := &balance.RoundRobin{}
	inst, err := picker.Pick(instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}
