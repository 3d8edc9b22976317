// Command hyperfleet is the host control-plane process: it serves the
// machine lifecycle API, manages host networking for networked runtimes,
// and runs the reverse proxy that exposes guest ports to external clients.
package main

import (
	"context"
	"log"
	"os"

	"github.com/hyperfleet-run/hyperfleet/internal/api"
	"github.com/hyperfleet-run/hyperfleet/internal/config"
	"github.com/hyperfleet-run/hyperfleet/internal/hostnet"
	"github.com/hyperfleet-run/hyperfleet/internal/machine"
	"github.com/hyperfleet-run/hyperfleet/internal/proxy"
	"github.com/hyperfleet-run/hyperfleet/internal/registry"
	"github.com/hyperfleet-run/hyperfleet/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("hyperfleet: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"bridge", cfg.BridgeName,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := registry.New()

	netMgr, err := hostnet.NewManager(hostnet.ManagerConfig{
		BridgeName:    cfg.BridgeName,
		SubnetCIDR:    cfg.SubnetCIDR,
		ExternalIface: cfg.ExternalIface,
	}, logger)
	if err != nil {
		logger.Warn("host networking unavailable, networked runtimes will fail to start", "error", err)
	}

	svc := machine.New(machine.Config{
		Store:        db,
		Registry:     reg,
		NetManager:   netMgr,
		Logger:       logger,
		FileMaxBytes: cfg.FileMaxSizeBytes,
	})

	px := proxy.New(svc, proxy.Config{
		HostSuffix:  cfg.ProxyHostSuffix,
		ControlPort: cfg.ProxyPort,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostListeners := proxy.NewHostListeners(px, proxy.DefaultReconcileInterval)
	hostListeners.Start(ctx)
	defer hostListeners.Stop()

	srv := api.NewServer(cfg.ListenAddr, svc, px, cfg.BearerToken, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
