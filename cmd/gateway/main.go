package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqui/chat-backend/internal/auth"
	"github.com/loqui/chat-backend/internal/bus"
	"github.com/loqui/chat-backend/internal/gateway"
	"github.com/loqui/chat-backend/internal/presence"
	"github.com/loqui/chat-backend/internal/ratelimit"
	"github.com/loqui/chat-backend/internal/ws"
)

func main() {
	wsConfig := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		wsConfig.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	instanceID, _ := os.Hostname()
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		instanceID = v
	}
	if instanceID == "" {
		instanceID = "gateway-1"
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- Bus ---
	busConfig := bus.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		busConfig.URL = v
	}
	busConfig.Name = "chat-gateway-" + instanceID

	b, err := bus.Connect(busConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("chat gateway starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", busConfig.URL)
	log.Printf("  instance_id:     %s", instanceID)

	gw := gateway.New(
		gateway.Config{InstanceID: instanceID, WS: wsConfig},
		auth.NewJWTVerifier(jwtSecret),
		presence.NewRegistry(rdb),
		b,
		ratelimit.NewLimiter(rdb),
	)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		if err := gw.Shutdown(); err != nil {
			log.Printf("gateway shutdown error: %v", err)
		}
		b.Close()
		rdb.Close()
	}()

	if err := gw.Run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}
