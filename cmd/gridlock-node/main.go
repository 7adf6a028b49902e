package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/gridlock/core/controlplane/inspect"
	"github.com/cordum/gridlock/core/infra/buildinfo"
	"github.com/cordum/gridlock/core/infra/config"
	"github.com/cordum/gridlock/core/infra/logging"
	infraMetrics "github.com/cordum/gridlock/core/infra/metrics"
	"github.com/cordum/gridlock/core/infra/registry"
	"github.com/cordum/gridlock/core/infra/transport"
	"github.com/cordum/gridlock/core/reservation"
)

func main() {
	log.Println("gridlock node starting...")
	buildinfo.Log("gridlock-node")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	topo, err := config.LoadTopology(cfg.ClusterConfigPath)
	if err != nil {
		log.Fatalf("failed to load cluster config (%s): %v", cfg.ClusterConfigPath, err)
	}
	if _, ok := topo.Node(cfg.NodeID); !ok {
		log.Fatalf("node %d is not declared in %s", cfg.NodeID, cfg.ClusterConfigPath)
	}

	metrics := infraMetrics.NewProm("gridlock")
	go serveHTTP("metrics", cfg.MetricsAddr, "/metrics", infraMetrics.Handler())

	tx, err := transport.NewNatsTransport(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer tx.Close()

	opts := []reservation.Option{reservation.WithMetrics(metrics)}
	if cfg.UseFastReservationFallback {
		opts = append(opts, reservation.WithFastReservationFallback())
	}
	rt := reservation.New(cfg.NodeID, tx, opts...)
	if err := tx.Listen(cfg.NodeID, rt); err != nil {
		log.Fatalf("failed to subscribe node inbox: %v", err)
	}

	inspector := inspect.NewServer(rt)
	rt.SetTap(inspector.Tap)
	inspector.Start()
	defer inspector.Close()
	go serveHTTP("inspect", cfg.InspectAddr, "/", inspector.Handler())

	membership, err := registry.NewMembership(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for membership: %v", err)
	}
	defer membership.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	member, err := membership.Register(ctx, cfg.NodeID, transport.Subject(cfg.NodeID))
	if err != nil {
		log.Fatalf("failed to register node: %v", err)
	}
	logging.Info("node", "registered", "node", cfg.NodeID, "instance", member.InstanceID)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := membership.Refresh(ctx, member); err != nil {
					logging.Error("node", "membership refresh failed", "error", err)
				}
			}
		}
	}()

	logging.Info("node", "ready", "node", cfg.NodeID, "cluster_nodes", len(topo.Nodes))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logging.Info("node", "shutting down", "node", cfg.NodeID)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := membership.Deregister(shutdownCtx, cfg.NodeID); err != nil {
		logging.Error("node", "deregister failed", "error", err)
	}
}

func serveHTTP(name, addr, route string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(route, handler)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logging.Info("node", name+" listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("node", name+" server error", "error", err)
	}
}
