// Transcript Viewer - real-time display of published session events.
// Consumes the transcript and outcome topics and pushes them to browsers.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ai-speech-stream/internal/app"
	"ai-speech-stream/internal/config"
	"ai-speech-stream/internal/schema"
	"ai-speech-stream/internal/viewer"
)

func main() {
	cfg := config.Load()
	port := flag.String("port", cfg.Service.ViewerPort, "HTTP server port")
	brokers := flag.String("brokers", strings.Join(cfg.Kafka.Brokers, ","), "Kafka brokers (comma-separated)")
	group := flag.String("group", "", "Consumer group; empty reads the last hour of partition 0")
	flag.Parse()

	application := app.New(cfg)
	log := application.Logger
	if *brokers == "" {
		*brokers = "localhost:9092"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := schema.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile event schemas")
	}

	hub := viewer.NewHub()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	for _, topic := range []string{cfg.Kafka.TopicTranscripts, cfg.Kafka.TopicOutcomes} {
		reader, err := viewer.NewKafkaReader(ctx, viewer.ReaderConfig{
			Brokers: strings.Split(*brokers, ","),
			Topic:   topic,
			GroupID: *group,
		})
		if err != nil {
			log.Fatal().Err(err).Str("topic", topic).Msg("Failed to create Kafka reader")
		}
		consumer := viewer.NewConsumer(reader, topic, hub, validator)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           viewer.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info().
			Str("addr", "http://localhost:"+*port).
			Str("brokers", *brokers).
			Str("transcripts", cfg.Kafka.TopicTranscripts).
			Str("outcomes", cfg.Kafka.TopicOutcomes).
			Msg("Transcript viewer starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Transcript viewer stopped")
	}
}
