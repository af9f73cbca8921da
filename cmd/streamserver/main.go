package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	streamapi "ai-speech-stream/internal/api/stream"
	"ai-speech-stream/internal/app"
	"ai-speech-stream/internal/config"
	"ai-speech-stream/internal/events"
	httpapi "ai-speech-stream/internal/http"
	"ai-speech-stream/internal/observability"
	"ai-speech-stream/internal/observability/logging"
	"ai-speech-stream/internal/observability/metrics"
	"ai-speech-stream/internal/schema"
	"ai-speech-stream/internal/service/audio"
	"ai-speech-stream/internal/service/relay"
	"ai-speech-stream/internal/service/reply"
	"ai-speech-stream/internal/service/stt"
	"ai-speech-stream/internal/service/stt/google"
	"ai-speech-stream/internal/service/stt/mock"
)

const (
	healthService   = "ai.speech.stream.Endpoint"
	shutdownTimeout = 15 * time.Second
	publishTimeout  = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Optional YAML or TOML config file")
	flag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	application := app.New(cfg)
	log := application.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recognize, closeRecognizer, err := newRecognizer(ctx, cfg.STT)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.STT.Provider).Msg("Failed to create recognizer")
	}
	defer closeRecognizer()

	validator, err := schema.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile event schemas")
	}

	// Kafka publisher for endpoint utterances
	publisher := events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicOutcomes:    cfg.Kafka.TopicOutcomes,
		Principal:        cfg.Kafka.Principal,
		Validator:        validator,
	})
	defer publisher.Close()

	replies := reply.New(reply.WithSilence(cfg.Server.ReplySilenceSamples))
	stream := streamapi.NewServer(recognize, replies, cfg.HandlerConfig(),
		streamapi.WithMetrics(metrics.DefaultMetrics),
		streamapi.WithResultHook(publishUtterance(publisher, log)),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application, stream),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(metrics.DefaultMetrics)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}

	obs := observability.NewServer(":"+cfg.Observability.MetricsPort, application.Ready)
	obs.Start()

	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC health service started")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC serve failed")
			stop()
		}
	}()
	go func() {
		log.Info().Str("port", cfg.Service.HTTPPort).Str("stt", cfg.STT.Provider).Msg("Speech stream endpoint started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP serve failed")
			stop()
		}
	}()

	<-ctx.Done()

	application.Shutdown()
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := stream.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("active", stream.Active()).Msg("Connections still open at shutdown")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	grpcServer.GracefulStop()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Observability shutdown failed")
	}
}

// newRecognizer selects the STT provider. The returned func releases it.
func newRecognizer(ctx context.Context, cfg config.STTConfig) (stt.Factory, func() error, error) {
	switch cfg.Provider {
	case "google":
		gcfg := google.Config{
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   int32(cfg.SampleRateHz),
			InterimResults: cfg.InterimResults,
			AudioEncoding:  cfg.AudioEncoding,
		}
		r, err := google.NewRecognizer(ctx, gcfg)
		if err != nil {
			return nil, nil, err
		}
		plog := logging.WithProvider("google")
		plog.Info().
			Str("languageCode", gcfg.LanguageCode).
			Int32("sampleRateHz", gcfg.SampleRateHz).
			Msg("Google Speech recognizer ready")
		return r.Factory(), r.Close, nil
	default:
		plog := logging.WithProvider("mock")
		plog.Info().Msg("Using mock recognizer")
		return mock.CyclingFactory(), func() error { return nil }, nil
	}
}

func publishUtterance(publisher *events.Publisher, log zerolog.Logger) func(context.Context, audio.Result) {
	return func(_ context.Context, res audio.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		ev := relay.UtteranceEvent(publisher.Principal(), res.ConnectionID, res.Transcript, res.Reply, res.Confidence, res.Samples, res.Duration)
		if err := publisher.PublishTranscript(ctx, res.ConnectionID, ev); err != nil {
			log.Warn().Err(err).Str("connectionId", res.ConnectionID).Msg("Failed to publish utterance")
		}
	}
}
