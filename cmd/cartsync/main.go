package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rahmatullahboss/cartsync/internal/cache"
	"github.com/rahmatullahboss/cartsync/internal/catalog"
	"github.com/rahmatullahboss/cartsync/internal/consumer"
	"github.com/rahmatullahboss/cartsync/internal/email"
	"github.com/rahmatullahboss/cartsync/internal/httpapi"
	"github.com/rahmatullahboss/cartsync/internal/notifier"
	"github.com/rahmatullahboss/cartsync/internal/repository"
	"github.com/rahmatullahboss/cartsync/internal/service"
	"github.com/rahmatullahboss/cartsync/internal/sweep"
)

type Config struct {
	HTTPPort        string
	MongoURI        string
	MongoDBName     string
	StoreBackend    string
	RedisAddr       string
	RedisPassword   string
	KafkaBrokers    string
	OrdersTopic     string
	CatalogURL      string
	EmailEndpoint   string
	EmailAPIKey     string
	EmailFrom       string
	SweepSecret     string
	SweepInterval   time.Duration
	AbandonTTL      time.Duration
	DiscountTTL     time.Duration
	ShutdownTimeout time.Duration
}

func loadConfig() *Config {
	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:     getEnv("MONGO_DB_NAME", "cartsync"),
		StoreBackend:    getEnv("STORE_BACKEND", "mongo"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:    getEnv("KAFKA_BROKERS", ""),
		OrdersTopic:     getEnv("KAFKA_ORDERS_TOPIC", "orders-completed"),
		CatalogURL:      getEnv("CATALOG_URL", ""),
		EmailEndpoint:   getEnv("EMAIL_API_URL", "https://api.resend.com/emails"),
		EmailAPIKey:     getEnv("EMAIL_API_KEY", ""),
		EmailFrom:       getEnv("EMAIL_FROM", "shop@example.com"),
		SweepSecret:     getEnv("SWEEP_SECRET", ""),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 0),
		AbandonTTL:      getEnvDuration("ABANDON_TTL", 60*time.Minute),
		DiscountTTL:     getEnvDuration("DISCOUNT_TTL", 48*time.Hour),
		ShutdownTimeout: 10 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if minutes, err := strconv.Atoi(raw); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	log.Printf("invalid %s=%q, using default", key, raw)
	return defaultValue
}

func main() {
	cfg := loadConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var store repository.CartStore
	switch cfg.StoreBackend {
	case "memory":
		store = repository.NewMemoryStore()
		log.Printf("Using in-memory cart store")
	default:
		mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Client().Disconnect(context.Background())
		store = repository.NewMongoStore(mongoDB)
		if indexed, ok := store.(interface{ CreateIndexes(context.Context) error }); ok {
			if err := indexed.CreateIndexes(ctx); err != nil {
				log.Printf("failed to create cart indexes: %v", err)
			}
		}
		log.Printf("Connected to MongoDB at %s", cfg.MongoURI)
	}

	// Redis backs both the read cache and the cross-instance notifier
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Redis connection failed:", err)
	}
	log.Printf("Redis ping succeeded")

	cartCache := cache.NewRedisCache(redisClient)
	changeNotifier := notifier.NewRedisNotifier(redisClient)

	// Catalog collaborator
	var cat catalog.Catalog
	if cfg.CatalogURL != "" {
		cat = catalog.NewHTTPCatalog(cfg.CatalogURL, nil)
		log.Printf("Using catalog at %s", cfg.CatalogURL)
	} else {
		cat = catalog.NewStaticCatalog()
		log.Printf("No CATALOG_URL set; using empty static catalog")
	}

	// Email collaborator
	var sender email.Sender
	if cfg.EmailAPIKey != "" {
		sender = email.NewHTTPSender(cfg.EmailEndpoint, cfg.EmailAPIKey, cfg.EmailFrom, nil)
	} else {
		sender = email.LogSender{}
		log.Printf("No EMAIL_API_KEY set; reminder emails will be logged only")
	}

	shipping := service.ShippingConfig{
		DefaultZone: getEnv("DEFAULT_SHIPPING_ZONE", "inside_dhaka"),
		ZoneFees: map[string]float64{
			"inside_dhaka":  80,
			"outside_dhaka": 130,
		},
	}

	carts := service.NewCartService(store, cartCache, cat, changeNotifier, shipping)
	detector := sweep.NewDetector(store)
	reminders := sweep.NewScheduler(store, sender, sweep.DefaultStages(), cfg.DiscountTTL)
	followups := sweep.NewScheduler(store, sender, sweep.FollowupStages(), cfg.DiscountTTL)

	// Recovery linker: consume order-completed events when Kafka is up
	if cfg.KafkaBrokers != "" {
		orderConsumer := consumer.NewConsumer(carts, cfg.OrdersTopic, strings.Split(cfg.KafkaBrokers, ",")...)
		defer orderConsumer.Close()
		go orderConsumer.Run(ctx)
		log.Printf("Consuming %s from %s", cfg.OrdersTopic, cfg.KafkaBrokers)
	}

	// Internal sweep runner for deployments without external cron
	if cfg.SweepInterval > 0 {
		runner := sweep.NewRunner(detector, reminders, cfg.AbandonTTL, cfg.SweepInterval)
		go runner.Run(ctx)
		log.Printf("Sweep runner every %s", cfg.SweepInterval)
	}

	server := httpapi.NewServer(carts, changeNotifier, detector, reminders, followups,
		httpapi.HeaderResolver{}, cfg.SweepSecret)

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     otelhttp.NewHandler(server.Routes(), "cartsync"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("cartsync listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down cartsync...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("cartsync stopped")
}
