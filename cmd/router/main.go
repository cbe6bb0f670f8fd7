// Command router runs the DDP router: it accepts browser WebSocket
// connections, dials a paired upstream connection to the Meteor server for
// each one, and hands the pair to internal/session. Structured the way
// bun-kms/cmd/server/main.go wires its HTTP server, health endpoints, and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/ddprouter/internal/config"
	"github.com/kartikbazzad/ddprouter/internal/health"
	"github.com/kartikbazzad/ddprouter/internal/mongostore"
	"github.com/kartikbazzad/ddprouter/internal/session"
	"github.com/kartikbazzad/ddprouter/internal/wsconn"
	"github.com/kartikbazzad/ddprouter/pkg/logger"
)

const shutdownDrainTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ddprouter: config error: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logger.Get()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := mongostore.Connect(connectCtx, cfg.MongoURL)
	connectCancel()
	if err != nil {
		log.Error("failed to connect to mongo", "err", err)
		os.Exit(1)
	}

	rootCtx, cancelSessions := context.WithCancel(context.Background())
	var sessionsWG sync.WaitGroup

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler())
	mux.Handle("/readyz", health.ReadinessHandler(map[string]health.Checker{
		"mongo": func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return store.Ping(pingCtx)
		},
	}))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptSession(w, r, rootCtx, &sessionsWG, cfg, store, log)
	}))

	httpServer := &http.Server{
		Addr:         listenAddr(cfg.RouterURL),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-quit
		log.Info("shutdown signal received, draining sessions")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancelSessions()

		drained := make(chan struct{})
		go func() {
			sessionsWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			log.Warn("session drain timed out, exiting anyway")
		}
	}()

	log.Info("listening", "addr", httpServer.Addr, "meteor_url", cfg.MeteorURL, "mongo_url", cfg.MongoURL)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "err", err)
		_ = closeStore(store)
		os.Exit(1)
	}

	<-shutdownDone
	if err := closeStore(store); err != nil {
		log.Error("mongo close error", "err", err)
	}
	log.Info("server stopped")
}

func closeStore(store *mongostore.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.Close(ctx)
}

// acceptSession upgrades one inbound client connection, dials the paired
// upstream connection, and runs the session to completion. It returns once
// the upgrade/dial succeeds and the session goroutine has been launched;
// the HTTP handler does not block on the session's lifetime.
func acceptSession(w http.ResponseWriter, r *http.Request, ctx context.Context, wg *sync.WaitGroup, cfg config.Config, store *mongostore.Store, log *slog.Logger) {
	clientConn, err := wsconn.Accept(w, r)
	if err != nil {
		log.Warn("client upgrade failed", "err", err)
		return
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	upstreamConn, err := wsconn.Dial(dialCtx, cfg.MeteorURL)
	dialCancel()
	if err != nil {
		log.Warn("upstream dial failed", "err", err)
		_ = clientConn.Close()
		return
	}

	sessionID := uuid.NewString()
	sessionLogger := logger.WithSession(log, sessionID)
	sess := session.New(sessionID, clientConn, upstreamConn, store, cfg.SubscriptionRerunInterval(), sessionLogger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.Run(ctx)
	}()
}

// listenAddr strips a ws(s):// scheme from router_url, since http.Server
// wants a bare host:port to listen on.
func listenAddr(routerURL string) string {
	for _, prefix := range []string{"wss://", "ws://", "https://", "http://"} {
		if strings.HasPrefix(routerURL, prefix) {
			return strings.TrimPrefix(routerURL, prefix)
		}
	}
	return routerURL
}
