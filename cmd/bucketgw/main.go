// Command bucketgw serves named storage buckets over HTTP.
//
// Run with:
//
//	bucketgw -config bucketgw.yaml
//
// Every setting can also be given through BUCKETGW_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/koustreak/bucketgw/internal/bucket"
	"github.com/koustreak/bucketgw/internal/bucket/memstore"
	"github.com/koustreak/bucketgw/internal/bucket/sqlstore"
	"github.com/koustreak/bucketgw/internal/config"
	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/filestore/ftp"
	"github.com/koustreak/bucketgw/internal/filestore/local"
	"github.com/koustreak/bucketgw/internal/filestore/minio"
	"github.com/koustreak/bucketgw/internal/filestore/sftp"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/registry"
	"github.com/koustreak/bucketgw/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("BUCKETGW_CONFIG"), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bucketgw: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(&cfg.Log)
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.With().Err(err).Logger().Error("bucketgw stopped with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	reg, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			log.With().Err(err).Logger().Warn("driver shutdown incomplete")
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := bucket.NewService(store, reg, log)
	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		URLPrefix:         cfg.Server.URLPrefix,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxUploadSize:     cfg.Server.MaxUploadSize,
		Version:           version,
	}, svc, log)

	log.With().
		Str("version", version).
		Str("store", cfg.Store.Backend).
		Any("drivers", reg.Keys()).
		Logger().
		Info("bucketgw starting")
	return srv.Run(ctx)
}

// buildRegistry installs the drivers enabled in cfg.
func buildRegistry(cfg *config.Config, log *logger.Logger) (*registry.Registry, error) {
	b := registry.NewBuilder()
	for _, key := range cfg.Drivers {
		var f filestore.Factory
		switch key {
		case filestore.KeyLocal:
			f = local.NewFactory(cfg.Local.Workers, log)
		case filestore.KeyFTP:
			f = ftp.NewFactory(cfg.SessionCacheConfig(key, log), log)
		case filestore.KeySFTP:
			f = sftp.NewFactory(cfg.SessionCacheConfig(key, log), log)
		case filestore.KeyMinIO:
			f = minio.NewFactory(log)
		default:
			return nil, errs.Newf(errs.ErrKindInvalidInput, "unknown driver %q in drivers list", key)
		}
		if err := b.Register(f); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (bucket.Store, func(), error) {
	if cfg.Store.Backend == config.StoreMemory {
		log.Warn("bucket records are kept in memory and lost on restart")
		return memstore.New(), func() {}, nil
	}

	dbCfg := cfg.DatabaseConfig()
	db, err := sqlstore.Connect(ctx, dbCfg)
	if err != nil {
		return nil, nil, err
	}
	store := sqlstore.New(db, cfg.Store.Table).WithQueryTimeout(dbCfg.QueryTimeout)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}
