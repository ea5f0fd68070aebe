// Command blockshimd is a thin administrative HTTP server over a running
// block-store stack: it assembles the configured backend, wraps it in the
// eventual-consistency protection layer, and exposes the layer's stats and a
// health check. It does not mount a filesystem or expose the block read/write
// operations themselves; those are a library concern for an embedding caller.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blockshim/blockshim"
	"github.com/blockshim/blockshim/blockcache"
	"github.com/blockshim/blockshim/ecp"
	"github.com/blockshim/blockshim/memstore"
	"github.com/blockshim/blockshim/s3store"
)

func main() {
	blockshim.ConfigureLogging()
	instanceID := uuid.NewString()
	slog.Info("starting blockshimd", "instance_id", instanceID)

	configPath := os.Getenv("BLOCKSHIM_CONFIG")
	if configPath == "" {
		slog.Error("BLOCKSHIM_CONFIG not set")
		os.Exit(1)
	}
	config, err := loadConfig(configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	store, layer, err := build(config)
	if err != nil {
		slog.Error("assembling store stack", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutting down, releasing store stack")
		if err := store.Destroy(context.Background()); err != nil {
			slog.Error("releasing store stack", "error", err)
		}
	}()

	router := gin.Default()
	registerRoutes(router, layer, instanceID)

	addr := os.Getenv("BLOCKSHIM_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("blockshimd listening", "addr", addr)
	if err := router.Run(addr); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (blockshim.Config, error) {
	var config blockshim.Config
	f, err := os.Open(path)
	if err != nil {
		return config, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return config, err
	}
	return config, nil
}

// build assembles the inner store selected by config.Backend, wraps it in
// the protection layer, and, when configured, wraps that in turn with an
// outer blockcache tier. It returns both the effective top-of-stack Store
// (what an embedding caller reads and writes through) and the underlying
// ecp.Layer, whose Stats method sits outside the generic Store capability.
func build(config blockshim.Config) (blockshim.Store, *ecp.Layer, error) {
	var inner blockshim.Store
	switch config.Backend {
	case blockshim.S3:
		client := s3store.Connect(s3store.Config{
			Bucket:   config.S3.Bucket,
			Prefix:   config.S3.Prefix,
			Region:   config.S3.Region,
			Endpoint: config.S3.Endpoint,
			Username: config.S3.Username,
			Password: config.S3.Password,
		})
		s, err := s3store.New(client, s3store.Config{
			Bucket:    config.S3.Bucket,
			Prefix:    config.S3.Prefix,
			BlockSize: config.ECP.BlockSize,
			NumBlocks: config.NumBlocks,
		})
		if err != nil {
			return nil, nil, err
		}
		inner = s
	default:
		inner = memstore.New(config.ECP.BlockSize, config.NumBlocks)
	}

	layer, err := ecp.NewLayer(config.ECP, inner)
	if err != nil {
		return nil, nil, err
	}

	var store blockshim.Store = layer
	if config.Cache != blockshim.NoCache {
		cache := blockcache.New(layer, config.ECP.CacheTime)
		if config.IsReplicated() {
			cache = cache.WithRedis(redis.NewClient(&redis.Options{
				Addr:     config.Redis.Address,
				Password: config.Redis.Password,
				DB:       config.Redis.DB,
			}))
		}
		store = cache
	}

	return store, layer, nil
}

func registerRoutes(router *gin.Engine, layer *ecp.Layer, instanceID string) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance_id": instanceID})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, layer.Stats())
	})
}

