package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meteorx/marketfeed/internal/adapter"
	"github.com/meteorx/marketfeed/internal/buffer"
	"github.com/meteorx/marketfeed/internal/config"
	"github.com/meteorx/marketfeed/internal/domain"
	"github.com/meteorx/marketfeed/internal/heartbeat"
	"github.com/meteorx/marketfeed/internal/pipeline"
	"github.com/meteorx/marketfeed/internal/pool"
	"github.com/meteorx/marketfeed/internal/publish"
	"github.com/meteorx/marketfeed/internal/reconnect"
	"github.com/meteorx/marketfeed/internal/router"
	"github.com/meteorx/marketfeed/internal/subscription"
	"github.com/meteorx/marketfeed/internal/telemetry"
	"github.com/meteorx/marketfeed/internal/wsconn"
)

const version = "v0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "marketfeed",
		Short:   "Multi-exchange WebSocket market-data connection fabric",
		Version: version,
	}

	var configPath, dotenvPath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the market-data service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(configPath, dotenvPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	runCmd.Flags().StringVar(&dotenvPath, "env-file", ".env", "path to a .env file with secrets (optional)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("marketfeed exited with error")
	}
}

func runService(configPath, dotenvPath string) error {
	cfg, err := config.Load(configPath, dotenvPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	reg := prometheus.NewRegistry()
	recorder := telemetry.NewPrometheusRecorder(reg)

	natsConn, err := nats.Connect(cfg.Publish.NATSURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()
	sink := publish.NewNATSSink(natsConn, cfg.Publish.SubjectPrefix)

	publisher := publish.New(publish.Config{
		MaxBatchSize:   cfg.Publish.MaxBatchSize,
		MaxLatency:     time.Duration(cfg.Publish.MaxLatencyMS) * time.Millisecond,
		MaxRetries:     cfg.Publish.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.Publish.RetryBaseDelayMS) * time.Millisecond,
		Recorder:       recorder,
	}, sink)
	defer publisher.Close()

	rt := router.New(router.Config{
		Strategy:          router.Strategy(cfg.Router.Strategy),
		FallbackTarget:    cfg.Router.FallbackTarget,
		EnableDuplication: cfg.Router.EnableDuplication,
		CacheSize:         cfg.Router.CacheSize,
		CacheTTL:          time.Duration(cfg.Router.CacheTTLS) * time.Second,
		Recorder:          recorder,
	}, nil)

	var spillSink buffer.SpillSink
	if cfg.Buffer.Backpressure == "SPILL" && cfg.Buffer.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Buffer.RedisAddr})
		spillSink = buffer.NewRedisSpillSink(rc, "marketfeed:spill:", 0)
	}

	buf := buffer.New(buffer.Config{
		MaxPartitionSize: cfg.Buffer.MaxPartitionSize,
		MaxAge:           time.Duration(cfg.Buffer.MaxAgeS) * time.Second,
		FlushInterval:    time.Duration(cfg.Buffer.FlushIntervalS) * time.Second,
		Backpressure:     buffer.BackpressureStrategy(cfg.Buffer.Backpressure),
		Recorder:         recorder,
	}, nil, func(partitionKey string, items []domain.PipelineData) {
		for _, item := range items {
			for _, routed := range rt.RouteEnvelopes(item) {
				publisher.Enqueue(routed.Target, routed.Data)
			}
		}
	}, spillSink)
	buf.Run()
	defer buf.Close()

	pl := pipeline.New(pipeline.Config{
		ErrorStrategy:      pipeline.ErrorStrategy(cfg.Pipeline.ErrorStrategy),
		MaxRetries:         cfg.Pipeline.MaxRetries,
		StageTimeout:       time.Duration(cfg.Pipeline.StageTimeoutMS) * time.Millisecond,
		BreakerMaxFails:    uint32(cfg.Pipeline.BreakerMaxFails),
		BreakerOpenTimeout: time.Duration(cfg.Pipeline.BreakerOpenTimeoutS) * time.Second,
		Recorder:           recorder,
	}, []pipeline.Stage{
		pipeline.StageFunc{StageName: "buffer", Fn: func(ctx context.Context, d domain.PipelineData) (domain.PipelineData, error) {
			buf.Add(d)
			return d, nil
		}},
	})
	pl.Init()
	pl.Start()
	pl.Run()
	defer pl.Close()

	adapters := make(map[string]*adapter.Adapter)
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		initial, maxDelay, resetAfter := ex.Backoff.Durations()

		var symbolPattern *regexp.Regexp
		if ex.SymbolPattern != "" {
			symbolPattern = regexp.MustCompile(ex.SymbolPattern)
		}
		disabled := make([]domain.DataType, 0, len(ex.DisabledDataTypes))
		for _, dt := range ex.DisabledDataTypes {
			disabled = append(disabled, domain.DataType(dt))
		}

		a := adapter.New(adapter.Config{
			Exchange: name,
			Pool: pool.Config{
				MaxConnections:    ex.MaxConnections,
				MaxStreamsPerConn: ex.MaxStreamsPerConn,
			},
			Sub: subscription.Config{
				MaxSubscriptions:  ex.MaxSubscriptions,
				DisabledDataTypes: disabled,
				SymbolPattern:     symbolPattern,
				StrictValidation:  ex.StrictValidation,
			},
			Conn: wsconn.Config{
				Endpoint:          ex.Host,
				MaxStreamsPerConn: ex.MaxStreamsPerConn,
				ConnectTimeout:    time.Duration(ex.ConnectTimeoutMS) * time.Millisecond,
				Reconnect: reconnect.Config{
					InitialDelay:      initial,
					MaxDelay:          maxDelay,
					BackoffMultiplier: ex.Backoff.Multiplier,
					MaxRetries:        ex.Backoff.MaxRetries,
					Jitter:            ex.Backoff.Jitter,
					ResetAfter:        resetAfter,
				},
				Heartbeat: heartbeat.Config{
					PingTimeoutThreshold:    time.Duration(ex.Heartbeat.PingTimeoutS) * time.Second,
					PongResponseTimeout:     time.Duration(ex.Heartbeat.PongResponseMS) * time.Millisecond,
					UnsolicitedPongInterval: time.Duration(ex.Heartbeat.UnsolicitedPongS) * time.Second,
					HealthCheckInterval:     time.Duration(ex.Heartbeat.HealthCheckIntervalS) * time.Second,
				},
				Recorder: recorder,
			},
		}, wsconn.NewGorillaDialer(time.Duration(ex.ConnectTimeoutMS)*time.Millisecond), logger, func(d domain.PipelineData) {
			pl.Process(context.Background(), d)
		})
		a.Run()
		defer a.Shutdown(context.Background())
		adapters[name] = a
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		exchanges := make(map[string]adapter.AdapterHealth, len(adapters))
		for name, a := range adapters {
			exchanges[name] = a.GetHealth()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"exchanges": exchanges,
			"pipeline":  pl.HealthDetail(),
			"router":    rt.HealthDetail(),
			"publish":   publisher.HealthDetail(),
		})
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Global.MetricsPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Int("exchanges", len(adapters)).Msg("marketfeed running")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
