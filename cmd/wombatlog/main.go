package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ttaaoo/wombatlog/internal/agent"
	"github.com/ttaaoo/wombatlog/internal/config"
	"github.com/ttaaoo/wombatlog/internal/log"
	"github.com/ttaaoo/wombatlog/internal/partition"
	"github.com/ttaaoo/wombatlog/internal/record"
)

func main() {
	configPath := flag.String("config", os.Getenv("WOMBATLOG_CONFIG"), "Path to YAML config file")
	dataDir := flag.String("data-dir", "", "Directory to store segments in (overrides config)")
	dump := flag.Bool("dump", false, "Print every retained record to stdout and exit")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "wombatlog").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	lvl, _ := cfg.Level()
	logger = logger.Level(lvl)

	if *dump {
		if err := dumpRecords(cfg.DataDir, &logger); err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("dump failed")
		}
		return
	}

	agentConfig := agent.Config{
		DataDir:                cfg.DataDir,
		BindAddr:               cfg.BindAddr,
		NodeName:               cfg.NodeName,
		SegmentMaxBytes:        cfg.Segment.MaxBytes,
		SegmentSync:            cfg.Segment.Sync,
		Retention:              cfg.Retention.MaxAge,
		RetentionCheckInterval: cfg.Retention.CheckInterval,
		ACLModelFile:           cfg.ACL.ModelFile,
		ACLPolicyFile:          cfg.ACL.PolicyFile,
		MetricsAddr:            cfg.MetricsAddr,
		Logger:                 &logger,
	}
	if cfg.TLS.Enabled() {
		tlsConfig := cfg.TLS
		tlsConfig.Server = true
		agentConfig.ServerTLSConfig, err = config.SetupTLSConfig(tlsConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up tls")
		}
	}

	a, err := agent.New(agentConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start agent")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := a.Shutdown(); err != nil {
		logger.Fatal().Err(err).Msg("shutdown failed")
	}
}

// dumpRecords writes one line per retained record as key<TAB>value, both hex.
func dumpRecords(dir string, logger *zerolog.Logger) error {
	p, err := partition.Open(dir, log.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer p.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	return p.Scan(func(r record.Record) error {
		_, err := fmt.Fprintf(w, "%x\t%x\n", r.Key, r.Value)
		return err
	})
}
