package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cyberinferno/go-sessionhub/auth/tokenauth"
	"github.com/cyberinferno/go-sessionhub/cluster"
	"github.com/cyberinferno/go-sessionhub/cluster/natsbus"
	"github.com/cyberinferno/go-sessionhub/cluster/redisbus"
	"github.com/cyberinferno/go-sessionhub/config"
	"github.com/cyberinferno/go-sessionhub/engine"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/store"
	"github.com/cyberinferno/go-sessionhub/store/memstore"
	"github.com/cyberinferno/go-sessionhub/store/redisstore"
	"github.com/cyberinferno/go-sessionhub/tcpserver"
)

const serviceName = "sessionhub"

var _ tcpserver.Handler = (*engine.Engine)(nil)

func main() {
	boot := logger.NewConsoleLogger(serviceName, zerolog.InfoLevel)

	name := os.Getenv("SESSIONHUB_CONFIG")
	if name == "" {
		name = serviceName
	}

	cfg, err := config.Load(boot, name)
	if err != nil {
		boot.Error("failed to load configuration", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		boot.Error("node failed", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}
}

// node holds everything run has to tear down.
type node struct {
	log    logger.Logger
	store  store.Store
	bus    cluster.Transport
	nc     *nats.Conn
	engine *engine.Engine
	server *tcpserver.TCPServer
	demo   *demo
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	n := &node{log: log}
	defer n.close()

	if err := n.open(ctx, cfg); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	return n.shutdown()
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.Log.Dir == "" {
		return logger.NewConsoleLogger(serviceName, level), nil
	}

	return logger.NewZerologFileLogger(serviceName, cfg.Log.Dir, level)
}

// open wires config -> store -> cluster bus -> engine -> TCP server.
func (n *node) open(ctx context.Context, cfg *config.Config) error {
	var rdb *redis.Client
	switch cfg.Store.Backend {
	case config.StoreRedis:
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}

		n.store = redisstore.NewRedisStore(rdb, redisstore.Options{KeyPrefix: cfg.Redis.KeyPrefix})
	default:
		n.store = memstore.NewMemoryStore()
	}

	switch cfg.Cluster.Backend {
	case config.ClusterRedis:
		bus, err := redisbus.New(rdb, redisbus.Options{KeyPrefix: cfg.Redis.KeyPrefix, NodeID: cfg.Node.ID}, n.log)
		if err != nil {
			return err
		}
		n.bus = bus
	case config.ClusterNATS:
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(serviceName+"-"+cfg.Node.ID),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		n.nc = nc

		bus, err := natsbus.New(nc, natsbus.Options{Prefix: cfg.Redis.KeyPrefix, NodeID: cfg.Node.ID}, n.log)
		if err != nil {
			return err
		}
		n.bus = bus
	}

	var auth engine.Authenticator = engine.AuthenticatorFunc(authenticate)
	if cfg.Auth.JWTSecret != "" {
		tokens, err := tokenauth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		auth = tokens
	}

	n.demo = newDemo(n.log)
	eng, err := engine.New(cfg.Engine(), n.store, n.bus, n.log,
		engine.WithAuthenticator(auth),
		engine.WithNotices(textNotices{}),
	)
	if err != nil {
		return err
	}
	n.engine = eng
	n.demo.attach(eng)

	// The cluster subscription must outlive the signal context so the
	// engine can still drain after SIGTERM.
	if err := eng.Start(context.Background()); err != nil {
		return err
	}

	srv := tcpserver.NewTCPServer(serviceName, cfg.Transport.Addr, eng, n.log)
	srv.MaxFrameSize = cfg.Transport.MaxFrameSize
	srv.IdleTimeout = cfg.Session.IdleTimeout
	srv.RejectFrame = []byte("ERR server busy")
	if err := srv.Start(); err != nil {
		return err
	}
	n.server = srv

	n.log.Info("node ready",
		logger.Field{Key: "node", Value: cfg.Node.ID},
		logger.Field{Key: "store", Value: cfg.Store.Backend},
		logger.Field{Key: "cluster", Value: cfg.Cluster.Backend},
	)
	return nil
}

// shutdown stops accepting, closes every connection and drains the engine.
func (n *node) shutdown() error {
	n.server.Stop()
	n.server = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := n.engine.Stop(ctx)
	n.engine, n.bus = nil, nil
	return err
}

// close releases whatever open managed to create. Safe after shutdown.
func (n *node) close() {
	if n.server != nil {
		n.server.Stop()
	}
	if n.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.engine.Stop(ctx)
		cancel()
	} else if n.bus != nil {
		_ = n.bus.Close()
	}
	if n.demo != nil {
		n.demo.close()
	}
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			n.log.Warn("nats drain failed", logger.Field{Key: "error", Value: err})
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.log.Warn("store close failed", logger.Field{Key: "error", Value: err})
		}
	}
}
