package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlfredDev/surge/adaptive"
	"github.com/AlfredDev/surge/bulk"
	"github.com/AlfredDev/surge/config"
	"github.com/AlfredDev/surge/httpchannel"
	"github.com/AlfredDev/surge/logger"
	"github.com/AlfredDev/surge/metering"
	"github.com/AlfredDev/surge/pool"
	"github.com/AlfredDev/surge/redisclient"
	"github.com/AlfredDev/surge/statsapi"
	"github.com/AlfredDev/surge/throttle"
)

func main() {
	input := flag.String("input", "-", "newline-delimited JSON records ('-' for stdin)")
	entity := flag.String("entity", "", "target entity type")
	op := flag.String("op", "create", "operation: create|update|upsert|delete")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "surge:", err)
		os.Exit(2)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Int("identities", len(cfg.Identities)).Msg("surge starting")

	if *entity == "" {
		log.Fatal().Msg("-entity is required")
	}
	operation, err := parseOperation(*op)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -op")
	}

	// Redis is optional; without it the meter stays in-process only.
	var rc *redisclient.Client
	if cfg.RedisURL != "" {
		rc, err = redisclient.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without publication")
			rc = nil
		} else if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without publication")
			_ = rc.Close()
			rc = nil
		} else {
			log.Info().Msg("redis connected")
		}
	}

	meterCfg := metering.DefaultConfig()
	meterCfg.PublishInterval = cfg.MeterInterval
	var meter *metering.Meter
	if rc != nil {
		meter = metering.New(rc.Redis(), meterCfg, log)
	} else {
		meter = metering.New(nil, meterCfg, log)
	}
	meter.Start()

	tracker := throttle.NewTracker()
	ctrl := adaptive.NewController(cfg.Adaptive, log)
	factory := httpchannel.NewFactory(httpchannel.DefaultTransportConfig(), log)

	connPool, err := pool.New(cfg.Pool, cfg.Identities, factory, tracker, ctrl, log)
	if err != nil {
		log.Fatal().Err(err).Msg("pool init failed")
	}

	coord := bulk.NewCoordinator(connPool.TotalRecommendedParallelism, log)
	executor := bulk.NewExecutor(connPool, tracker, ctrl, coord, log)
	executor.SetMeter(meter)

	// Stats surface runs alongside the operation.
	stats := statsapi.New(connPool, ctrl, tracker, coord, meter, log)
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      stats.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("stats listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("stats server failed")
		}
	}()

	// Cancel the operation on SIGINT/SIGTERM; the executor returns a
	// partial result.
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("cancelling bulk operation")
		cancel()
	}()

	records, err := readRecords(*input)
	if err != nil {
		log.Fatal().Err(err).Msg("read input failed")
	}
	log.Info().Int("records", len(records)).Str("entity", *entity).Str("op", string(operation)).Msg("input loaded")

	result, execErr := executor.Execute(ctx, *entity, records, operation, cfg.Bulk)
	if execErr != nil {
		log.Error().Err(execErr).Msg("bulk operation failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)

	// Orderly teardown: stats server, pool, meter, redis.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := connPool.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pool drain incomplete")
	}
	meter.Stop()
	if rc != nil {
		_ = rc.Close()
	}

	if execErr != nil || (result != nil && result.FailureCount > 0) {
		os.Exit(1)
	}
}

func parseOperation(s string) (pool.Operation, error) {
	switch pool.Operation(s) {
	case pool.OpCreate, pool.OpUpdate, pool.OpUpsert, pool.OpDelete:
		return pool.Operation(s), nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// readRecords loads newline-delimited JSON objects, preserving input
// order.
func readRecords(path string) ([]pool.Record, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var records []pool.Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec pool.Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
