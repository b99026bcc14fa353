package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/ttaaoo/wombatlog/internal/auth"
	"github.com/ttaaoo/wombatlog/internal/log"
	"github.com/ttaaoo/wombatlog/internal/partition"
	"github.com/ttaaoo/wombatlog/internal/server"
)

type Config struct {
	// ServerTLSConfig defines the configuration of the certificate that's
	// served to clients
	ServerTLSConfig *tls.Config
	DataDir         string
	// BindAddr is the host:port the gRPC server listens on.
	BindAddr string
	// NodeName defaults to a random UUID.
	NodeName string

	SegmentMaxBytes uint64
	SegmentSync     bool

	// Retention is how long sealed segments are kept after their last write.
	// Zero disables expiry.
	Retention              time.Duration
	RetentionCheckInterval time.Duration

	// ACL files are optional; without them every client is allowed.
	ACLModelFile  string
	ACLPolicyFile string

	// MetricsAddr is where /metrics is served. Empty disables the exporter.
	MetricsAddr string

	Logger *zerolog.Logger
}

func (c Config) RPCAddr() (string, error) {
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return "", fmt.Errorf("bind address: %w", err)
	}
	return c.BindAddr, nil
}

// An Agent runs on every service instance, setting up and connecting
// all the different components: the partition, its retention loop, the gRPC
// server and the metrics exporter.
type Agent struct {
	Config

	logger    zerolog.Logger
	registry  *prometheus.Registry
	partition *partition.Partition
	server    *grpc.Server
	metrics   *http.Server

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	retention    sync.WaitGroup
}

func New(config Config) (*Agent, error) {
	if config.NodeName == "" {
		config.NodeName = uuid.New().String()
	}
	if config.RetentionCheckInterval == 0 {
		config.RetentionCheckInterval = 5 * time.Minute
	}

	a := &Agent{
		Config:    config,
		registry:  prometheus.NewRegistry(),
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLogger,
		a.setupPartition,
		a.setupServer,
		a.setupMetrics,
		a.setupRetention,
	}

	for _, fn := range setup {
		if err := fn(); err != nil {
			_ = a.Shutdown()
			return nil, err
		}
	}

	return a, nil
}

func (a *Agent) setupLogger() error {
	if a.Config.Logger != nil {
		a.logger = a.Config.Logger.With().Str("node", a.Config.NodeName).Logger()
		return nil
	}
	a.logger = zerolog.New(os.Stderr).With().
		Timestamp().
		Str("service", "agent").
		Str("node", a.Config.NodeName).
		Logger()
	return nil
}

func (a *Agent) setupPartition() error {
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := a.logger.With().Str("service", "log").Logger()
	c := log.Config{
		Backend: log.FileBackend{Sync: a.Config.SegmentSync},
		Logger:  &logger,
		Metrics: log.NewMetrics(a.registry),
	}
	c.Segment.MaxBytes = a.Config.SegmentMaxBytes

	var err error
	a.partition, err = partition.Open(a.Config.DataDir, c)
	return err
}

func (a *Agent) setupServer() error {
	logger := a.logger.With().Str("service", "server").Logger()
	serverConfig := &server.Config{
		CommitLog: a.partition,
		Logger:    &logger,
	}
	if a.Config.ACLModelFile != "" {
		authorizer, err := auth.New(
			a.Config.ACLModelFile,
			a.Config.ACLPolicyFile,
		)
		if err != nil {
			return err
		}
		serverConfig.Authorizer = authorizer
	}

	var opts []grpc.ServerOption
	if a.Config.ServerTLSConfig != nil {
		creds := credentials.NewTLS(a.Config.ServerTLSConfig)
		opts = append(opts, grpc.Creds(creds))
	}

	var err error
	a.server, err = server.NewGRPCServer(serverConfig, opts...)
	if err != nil {
		return err
	}

	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}

	go func() {
		if err := a.server.Serve(ln); err != nil {
			a.logger.Error().Err(err).Msg("grpc server stopped")
			_ = a.Shutdown()
		}
	}()

	a.logger.Info().Str("addr", rpcAddr).Msg("serving rpc")
	return nil
}

// setupMetrics serves the registry over HTTP for Prometheus to scrape.
func (a *Agent) setupMetrics() error {
	if a.Config.MetricsAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", a.Config.MetricsAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

// setupRetention starts a loop that expires old segments every check interval.
func (a *Agent) setupRetention() error {
	if a.Config.Retention <= 0 {
		return nil
	}

	a.retention.Add(1)
	go func() {
		defer a.retention.Done()

		ticker := time.NewTicker(a.Config.RetentionCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				a.enforceRetention(now)
			case <-a.shutdowns:
				return
			}
		}
	}()
	return nil
}

func (a *Agent) enforceRetention(now time.Time) {
	before := now.Add(-a.Config.Retention)
	if err := a.partition.Expire(before); err != nil {
		a.logger.Error().Err(err).Time("before", before).Msg("retention failed")
	}
}

// This ensures that the agent will shut down once even if
// people call Shutdown() multiple times.
// Then we shut down the agent and its components by:
//  1. Stopping the retention loop so no segment is removed mid-shutdown;
//  2. Gracefully stopping the gRPC server;
//  3. Stopping the metrics server;
//  4. Closing the partition.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		func() error {
			a.retention.Wait()
			return nil
		},
		func() error {
			if a.server != nil {
				a.server.GracefulStop()
			}
			return nil
		},
		func() error {
			if a.metrics == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metrics.Shutdown(ctx)
		},
		func() error {
			if a.partition == nil {
				return nil
			}
			return a.partition.Close()
		},
	}

	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}

	a.logger.Info().Msg("agent shut down")
	return nil
}
