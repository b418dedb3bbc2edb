package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"donor-service/config"
	"donor-service/discovery"
	"donor-service/domain"
	"donor-service/geo"
	"donor-service/grpcsvc"
	"donor-service/handlers"
	"donor-service/kafka"
	"donor-service/location"
	"donor-service/logging"
	"donor-service/metrics"
	"donor-service/notify"
	"donor-service/service"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// initTracer initializes OpenTelemetry tracer
func initTracer(cfg *config.Config, logger *slog.Logger) (func(), error) {
	logger.Info("Initializing tracer", "jaeger_endpoint", cfg.JaegerEndpoint, "app", "donor-service")

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.JaegerEndpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithURLPath("/v1/traces"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	resources := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter, sdktrace.WithExportTimeout(5*time.Second))),
		sdktrace.WithResource(resources),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func() {
		logger.Info("Shutting down tracer provider", "app", "donor-service")
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err, "app", "donor-service")
		}
	}, nil
}

func connectToMongoDB(uri string, retries int, delay time.Duration, logger *slog.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	var err error

	for i := range retries {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, nil)
			if err == nil {
				// transactions need an initialized replica set
				var result struct {
					Ok int `bson:"ok"`
				}
				err = client.Database("admin").RunCommand(ctx, bson.D{
					{Key: "replSetGetStatus", Value: 1},
				}).Decode(&result)
				if err == nil && result.Ok == 1 {
					cancel()
					logger.Info("Connected to MongoDB", "uri", uri, "app", "donor-service")
					return client, nil
				}
				logger.Error("Replica set not ready", "error", err, "app", "donor-service")
			}
		}
		cancel()
		logger.Error("Failed to connect to MongoDB", "attempt", i+1, "max_attempts", retries, "error", err, "app", "donor-service")
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("failed to connect to MongoDB after %d retries: %w", retries, err)
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.NewLogger(cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("Starting donor-service", "app", "donor-service", "timestamp", time.Now().Unix())

	err = run(cfg, logger)
	if err != nil {
		logger.Error("Service stopped with error", "error", err, "app", "donor-service")
	}
	logFile.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTracer(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	policy, err := service.ParsePolicy(cfg.AcceptancePolicy)
	if err != nil {
		return err
	}

	mongoClient, err := connectToMongoDB(cfg.MongoURI, 5, 2*time.Second, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Error("Failed to disconnect from MongoDB", "error", err, "app", "donor-service")
		}
	}()

	requestRepo := domain.NewMongoRequestRepository(mongoClient, cfg.MongoDatabase)
	userRepo := domain.NewMongoUserRepository(mongoClient, cfg.MongoDatabase)
	if err := requestRepo.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := userRepo.EnsureIndexes(ctx); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("Redis not reachable at startup", "addr", cfg.RedisAddr, "error", err, "app", "donor-service")
	}

	consulClient, err := discovery.NewClient(cfg.ConsulAddress, logger)
	if err != nil {
		return err
	}
	registration := discovery.Registration{Name: cfg.ServiceName, Address: cfg.ServiceAddress, Port: cfg.ServicePort}
	if err := consulClient.Register(registration); err != nil {
		return err
	}
	defer func() {
		if err := consulClient.Deregister(registration); err != nil {
			logger.Error("Failed to deregister from Consul", "error", err, "app", "donor-service")
		}
	}()

	sender, err := notify.NewFCMSender(ctx, cfg.FirebaseCredentialsFile)
	if err != nil {
		return err
	}

	locations := location.NewStore(location.NewRedisKV(redisClient), cfg.LocationHashKey, cfg.LocationMaxAge, logger)
	directory := service.NewDonorDirectory(userRepo, locations, cfg.DonationCooldown)
	matcher := service.NewMatcher(directory, cfg.MatchRadiusKm, logger)
	geocoder := geo.NewClient(cfg.GeocodeURL, cfg.GoogleMapsAPIKey, cfg.GeocodeTimeout, geo.NewCache(), logger)
	dispatcher := notify.NewDispatcher(sender, notify.Config{
		Timeout:       cfg.PushTimeout,
		Concurrency:   cfg.PushConcurrency,
		RatePerSecond: cfg.PushRatePerSecond,
	}, logger)
	reaper := service.NewReaper(requestRepo, cfg.ReaperSchedule, logger)

	svc := service.NewService(service.Dependencies{
		Requests:   requestRepo,
		Users:      userRepo,
		Geocoder:   geocoder,
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Sender:     sender,
		Reaper:     reaper,
	}, service.Config{
		RequestTTL:       cfg.RequestTTL,
		DonationCooldown: cfg.DonationCooldown,
		Policy:           policy,
		PushTimeout:      cfg.PushTimeout,
	}, logger)
	logger.Info("Lifecycle configured", "policy", policy, "radiusKm", cfg.MatchRadiusKm, "ttl", cfg.RequestTTL, "app", "donor-service")

	if err := reaper.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	bootstrapServers := cfg.KafkaBootstrapServers
	if bootstrapServers == "" {
		bootstrapServers, err = consulClient.Resolve("kafka")
		if err != nil {
			logger.Error("Kafka not resolvable, lifecycle events stay in the outbox", "error", err, "app", "donor-service")
		}
	}
	if bootstrapServers != "" {
		producer, err := kafka.NewProducer(bootstrapServers, cfg.SchemaRegistryURL, cfg.RequestEventsTopic, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		outbox := kafka.NewOutboxProcessor(requestRepo, producer, cfg.OutboxInterval, logger)
		g.Go(func() error { return ignoreCanceled(outbox.Start(ctx)) })

		consumer, err := kafka.NewConsumer(bootstrapServers, cfg.SchemaRegistryURL, cfg.TokenEventsTopic, cfg.TokenConsumerGroup, userRepo, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return ignoreCanceled(consumer.Start(ctx)) })
	}

	healthServer := grpcsvc.NewHealthServer(cfg.ServiceName, map[string]grpcsvc.Probe{
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}, 10*time.Second, logger)
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)
	g.Go(func() error {
		healthServer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		logger.Info("Starting gRPC server", "port", cfg.GRPCPort, "app", "donor-service")
		return grpcServer.Serve(lis)
	})

	r := mux.NewRouter()
	r.Use(otelmux.Middleware(cfg.ServiceName))
	r.Use(metrics.Middleware)
	handlers.NewRequestHandler(svc, logger).Register(r)
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServicePort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Starting donor-service", "port", cfg.ServicePort, "app", "donor-service")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down", "app", "donor-service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
