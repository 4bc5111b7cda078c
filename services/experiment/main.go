package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"splitlab/pkg/engine"
	"splitlab/pkg/eventbus"
	"splitlab/pkg/observability/otelobs"
	"splitlab/pkg/registry"
)

func main() {
	port := getEnv("PORT", "5080")
	serviceName := "experiment"

	shutdownTracer := otelobs.InitTracer(serviceName)
	defer shutdownTracer(context.Background())

	store, closeStore, err := openStore(getEnv("DATABASE_URL", ""))
	if err != nil {
		log.Fatalf("Failed to initialize experiment store: %v", err)
	}
	defer closeStore()

	opts := []engine.Option{}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		// Allocation stays in memory; redis only receives the async mirror.
		exposures := engine.NewWriteBehindExposures(engine.NewRedisExposures(rdb, 0), 0)
		defer exposures.Close()
		opts = append(opts, engine.WithExposureStore(exposures))
		log.Printf("Mirroring exposures to redis at %s", addr)
	}

	eng := engine.New(store, opts...)
	if err := eng.Resume(context.Background()); err != nil {
		log.Fatalf("Failed to resume experiments: %v", err)
	}

	bus := eventbus.NewBus(256)
	eng.SubscribeOutcomes(bus)
	defer bus.Close()

	api := newAPI(eng, bus)

	mux := http.NewServeMux()
	mux.HandleFunc("/experiments", api.handleExperiments)
	mux.HandleFunc("/experiments/", api.handleExperimentByPath)
	mux.HandleFunc("/assign", api.handleAssign)
	mux.HandleFunc("/outcomes", api.handleOutcomes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"healthy","service":"experiment"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := withAuth(os.Getenv("EXPERIMENT_API_KEY"), mux)
	handler = otelobs.HTTPTraceLogMiddleware(handler)
	handler = otelobs.WrapHTTPHandler(serviceName, handler)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("Experiment service starting on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// openStore picks postgres when DATABASE_URL is set, otherwise the
// in-memory registry (dev and test runs).
func openStore(dbURL string) (registry.Store, func(), error) {
	if dbURL == "" {
		log.Printf("DATABASE_URL not set; using in-memory experiment store")
		return registry.NewMemory(), func() {}, nil
	}
	pg, err := registry.NewPostgres(dbURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// withAuth protects endpoints with a Bearer token if EXPERIMENT_API_KEY is set; health/metrics remain public
func withAuth(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(p) || auth[:len(p)] != p || auth[len(p):] != apiKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
