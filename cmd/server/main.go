// Command server runs the phantom-messenger WebSocket relay: it
// terminates client connections, drives the authentication and
// request-dispatch state machines, and persists nothing but opaque
// ciphertext and security audit events. Grounded on the teacher's
// cmd/chatserver/main.go lifecycle (Consul registration, graceful
// shutdown ordering), retargeted from the teacher's REST+WebSocket
// chat API onto the single /ws endpoint spec.md describes.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	gws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/audit"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/config"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/connmanager"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/db"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/dispatcher"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/media"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/metrics"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/ratelimit"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/registry"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/store"
)

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced by rs/cors on the HTTP handshake path
}

func main() {
	cfg := config.Load()
	log.Printf("starting phantom-messenger server: %s", cfg.ServerID)

	database, err := db.NewPostgresDB(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("warning: failed to close database: %v", err)
		}
	}()
	if err := audit.Migrate(database.GetDB()); err != nil {
		log.Fatalf("failed to migrate audit log: %v", err)
	}
	auditLogger := audit.New(database.GetDB())
	defer func() {
		if err := auditLogger.Shutdown(10 * time.Second); err != nil {
			log.Printf("warning: audit logger shutdown: %v", err)
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("warning: failed to close redis: %v", err)
		}
	}()
	limiter := ratelimit.New(redisClient)
	if !cfg.EnableRateLimiting {
		limiter = nil
	}

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.Port)
	if err != nil {
		log.Fatalf("failed to connect to consul: %v", err)
	}
	if err := serviceRegistry.Register(); err != nil {
		log.Fatalf("failed to register service: %v", err)
	}
	defer func() {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister service: %v", err)
		}
	}()

	conns := connmanager.NewWithServerID(cfg.ServerID)
	defer conns.Stop()
	msgStore := store.New()
	defer msgStore.Stop()

	var mediaSvc *media.MediaService
	if cfg.MediaEnabled {
		mediaSvc, err = media.NewMediaService(cfg.MinioURL, cfg.MinioKey, cfg.MinioSecret, cfg.MinioBucket, false)
		if err != nil {
			log.Fatalf("failed to initialize media backend: %v", err)
		}
	}

	opts := []dispatcher.Option{
		dispatcher.WithAuditLogger(auditLogger),
		dispatcher.WithRequireInvitation(cfg.RequireInvitation),
		dispatcher.WithMediaLimits(cfg.MediaLimits),
	}
	if mediaSvc != nil {
		opts = append(opts, dispatcher.WithMediaService(mediaSvc))
	}
	disp := dispatcher.New(conns, msgStore, limiter, cfg.RateLimitSalt, opts...)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/ws", wsHandler(conns, disp, cfg)).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           metrics.MetricsMiddleware(corsHandler.Handler(router)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, shutting down", sig)

	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister during shutdown: %v", err)
	}
	time.Sleep(5 * time.Second) // let the load balancer stop routing here

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: HTTP server shutdown error: %v", err)
	}

	conns.Stop()
	log.Println("server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// wsHandler upgrades the connection, registers it with the connection
// manager, and runs its read/write pumps until the client disconnects.
func wsHandler(conns *connmanager.Manager, disp *dispatcher.Dispatcher, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
		ipHash := ratelimit.HashIP(ip, cfg.RateLimitSalt)

		if cfg.MaxConnectionsPerIP > 0 && conns.CountByIPHash(ipHash) >= cfg.MaxConnectionsPerIP {
			http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[WS] upgrade failed: %v", err)
			return
		}

		sock := newWSSocket(conn, cfg.WSPingInterval, cfg.WSPingTimeout)
		clientConn := conns.AddConnection(sock, ipHash)

		go sock.writePump()
		sock.readPump(func(raw []byte) {
			for _, frame := range disp.Dispatch(clientConn, raw) {
				_ = sock.Send(frame)
			}
		})

		conns.RemoveConnection(clientConn.ID)
	}
}
