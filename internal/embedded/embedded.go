// Package embedded runs the Flight service in-process on a loopback listener, standing in
// for an externally launched database.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/23skdu/annbench/internal/engine"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/middleware"
	"github.com/23skdu/annbench/internal/server"
)

// Options configures an embedded instance.
type Options struct {
	Hostname string
	// Port 0 picks an ephemeral port.
	Port int
	// PersistenceDataPath enables snapshot load on Start and save on Close.
	PersistenceDataPath string
	// SkipLoad starts empty even when a snapshot exists. Close still overwrites it.
	SkipLoad   bool
	MaxMsgSize int
	// Seed makes graph construction reproducible when non-zero.
	Seed int64

	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultOptions returns loopback options with an ephemeral port.
func DefaultOptions() Options {
	return Options{
		Hostname:         "127.0.0.1",
		Port:             0,
		MaxMsgSize:       64 * 1024 * 1024,
		KeepAliveTime:    2 * time.Hour,
		KeepAliveTimeout: 20 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (o *Options) withDefaults() Options {
	d := DefaultOptions()
	out := *o
	if out.Hostname == "" {
		out.Hostname = d.Hostname
	}
	if out.MaxMsgSize <= 0 {
		out.MaxMsgSize = d.MaxMsgSize
	}
	if out.KeepAliveTime <= 0 {
		out.KeepAliveTime = d.KeepAliveTime
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	return out
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return anerrors.NewConfigurationError("embedded", fmt.Sprintf("port %d out of range", o.Port))
	}
	if o.MaxMsgSize < 0 {
		return anerrors.NewConfigurationError("embedded", "max message size must be >= 0")
	}
	return nil
}

// ServerOptions returns the gRPC server options for o.
func (o *Options) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    o.KeepAliveTime,
			Timeout: o.KeepAliveTimeout,
		}),
		grpc.MaxRecvMsgSize(o.MaxMsgSize),
		grpc.MaxSendMsgSize(o.MaxMsgSize),
	}
}

// Instance is a running embedded database.
type Instance struct {
	opts   Options
	db     *engine.Database
	grpc   *grpc.Server
	lis    net.Listener
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Start loads the snapshot when a data path is set, then serves Flight on a new listener.
func Start(ctx context.Context, opts Options, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	dbOpts := []engine.Option{engine.WithLogger(logger)}
	if opts.Seed != 0 {
		dbOpts = append(dbOpts, engine.WithSeed(opts.Seed))
	}
	db := engine.New(dbOpts...)
	if opts.PersistenceDataPath != "" && !opts.SkipLoad {
		if err := db.Load(opts.PersistenceDataPath); err != nil {
			return nil, err
		}
	}

	addr := net.JoinHostPort(opts.Hostname, strconv.Itoa(opts.Port))
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, anerrors.WrapNetworkError(err, "embedded", "listen").WithContext("addr", addr)
	}

	serverOpts := append(opts.ServerOptions(),
		grpc.ChainStreamInterceptor(middleware.RecoveryStreamInterceptor(logger)))
	g := grpc.NewServer(serverOpts...)
	server.New(db, logger).Register(g)

	inst := &Instance{
		opts:   opts,
		db:     db,
		grpc:   g,
		lis:    lis,
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(inst.done)
		if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("Embedded server stopped", zap.Error(err))
		}
	}()

	logger.Info("Embedded database started",
		zap.String("addr", inst.Addr()),
		zap.String("data_path", opts.PersistenceDataPath))
	return inst, nil
}

// Addr returns the host:port the instance listens on.
func (i *Instance) Addr() string {
	return i.lis.Addr().String()
}

// Database exposes the engine behind the service.
func (i *Instance) Database() *engine.Database {
	return i.db
}

// Close stops serving, waiting up to ShutdownTimeout for in-flight calls, and saves a
// snapshot when a data path is configured. Subsequent calls return the first result.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		stopped := make(chan struct{})
		go func() {
			i.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(i.opts.ShutdownTimeout):
			i.logger.Warn("Graceful stop timed out, forcing", zap.Duration("timeout", i.opts.ShutdownTimeout))
			i.grpc.Stop()
		}
		<-i.done

		if i.opts.PersistenceDataPath != "" {
			i.closeErr = i.db.Save(i.opts.PersistenceDataPath)
		}
		i.logger.Info("Embedded database stopped", zap.String("addr", i.Addr()), zap.Error(i.closeErr))
	})
	return i.closeErr
}
