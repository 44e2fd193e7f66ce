package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/tqstmtproxy/cache"
	"github.com/mevdschee/tqstmtproxy/config"
	"github.com/mevdschee/tqstmtproxy/metrics"
	"github.com/mevdschee/tqstmtproxy/mysql"
	"github.com/mevdschee/tqstmtproxy/replica"
	"github.com/mevdschee/tqstmtproxy/stmt"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", "", "Metrics endpoint address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	addr := cfg.MetricsAddr
	if *metricsAddr != "" {
		addr = *metricsAddr
	}

	// Initialize metrics
	metrics.Init()

	// Start metrics HTTP server with pprof
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", addr)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	queryCache, err := cache.New(cfg.CacheSize)
	if err != nil {
		log.Fatalf("Failed to create cache: %v", err)
	}

	registry := stmt.NewRegistry()

	// Create one pool per hostgroup
	pools := initPools(cfg.Hostgroups)
	log.Printf("[Proxy] Initialized %d hostgroup pools", len(pools))

	// Start health checks for all pools
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for id, pool := range pools {
		go pool.StartHealthChecks(ctx, 10*time.Second)
		log.Printf("[Proxy] Hostgroup %d primary: %s", id, pool.GetPrimary())
	}

	proxy := mysql.New(cfg, pools, queryCache, registry)
	if err := proxy.Start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	log.Println("TQStmtProxy started. Press Ctrl+C to stop. Send SIGHUP to reload config.")

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Println("Received SIGHUP, reloading configuration...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("Failed to reload config: %v", err)
				continue
			}

			pools = updatePools(pools, newCfg.Hostgroups, ctx)
			proxy.UpdateConfig(newCfg, pools)
			log.Printf("[Proxy] Reloaded - %d hostgroups", len(newCfg.Hostgroups))

		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("Shutting down...")
			return
		}
	}
}

func initPools(hostgroups map[uint32]config.HostgroupConfig) map[uint32]*replica.Pool {
	pools := make(map[uint32]*replica.Pool)
	for id, hg := range hostgroups {
		pools[id] = replica.NewPool(id, hg.Primary, hg.Replicas)
	}
	return pools
}

func updatePools(current map[uint32]*replica.Pool, hostgroups map[uint32]config.HostgroupConfig, ctx context.Context) map[uint32]*replica.Pool {
	newPools := make(map[uint32]*replica.Pool)

	// Update existing pools or create new ones
	for id, hg := range hostgroups {
		if pool, exists := current[id]; exists {
			pool.UpdateBackends(hg.Primary, hg.Replicas)
			newPools[id] = pool
		} else {
			pool := replica.NewPool(id, hg.Primary, hg.Replicas)
			go pool.StartHealthChecks(ctx, 10*time.Second)
			newPools[id] = pool
		}
	}

	// Note: We don't explicitly stop health checks for removed pools here
	// but context cancellation on shutdown handles it. Periodic SIGHUPs
	// might leak some goroutines if backends change frequently, but it's
	// minor for now.

	return newPools
}
