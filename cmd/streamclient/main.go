package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ai-speech-stream/internal/app"
	"ai-speech-stream/internal/config"
	"ai-speech-stream/internal/events"
	"ai-speech-stream/internal/ledger"
	"ai-speech-stream/internal/schema"
	"ai-speech-stream/internal/service/chunk"
	"ai-speech-stream/internal/service/relay"
	"ai-speech-stream/internal/service/session"
	"ai-speech-stream/internal/transport/wsconn"
	"ai-speech-stream/internal/wav"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML or TOML config file")
	audioFile := flag.String("audio", "", "Path to a 16-bit PCM WAV file; empty streams silence")
	silence := flag.Duration("silence", 2*time.Second, "Silence to stream when no WAV file is given")
	sessionID := flag.String("session", "", "Session id; empty generates one")
	url := flag.String("url", "", "Endpoint URL, overrides the configured stream URL")
	realtime := flag.Bool("realtime", false, "Pace chunks to real time")
	flag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *url != "" {
		cfg.Stream.URL = *url
	}

	application := app.New(cfg)
	log := application.Logger

	samples, rate, err := loadAudio(*audioFile, *silence)
	if err != nil {
		log.Fatal().Err(err).Str("audio", *audioFile).Msg("Failed to load audio")
	}
	sc := cfg.Stream.SessionConfig()
	if *realtime && sc.ChunkInterval == 0 {
		size := sc.ChunkSize
		if size <= 0 {
			size = chunk.DefaultChunkSize
		}
		sc.ChunkInterval = time.Duration(size) * time.Second / time.Duration(rate)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := session.NewClient(func(ctx context.Context) (session.Transport, error) {
		conn, err := wsconn.Dial(ctx, cfg.Stream.ConnConfig())
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, sc)

	if cfg.Ledger.Addr != "" {
		l := ledger.NewRedisLedger(redis.NewClient(&redis.Options{Addr: cfg.Ledger.Addr}),
			ledger.WithTTL(cfg.Ledger.TTL),
			ledger.WithPrefix(cfg.Ledger.Prefix),
		)
		defer l.Close()
		if err := l.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Ledger.Addr).Msg("Session ledger unavailable")
		}
		client.SetLedger(l)
	}

	validator, err := schema.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile event schemas")
	}
	publisher := events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicOutcomes:    cfg.Kafka.TopicOutcomes,
		Principal:        cfg.Kafka.Principal,
		Validator:        validator,
	})
	defer publisher.Close()

	s, err := client.Open(ctx, *sessionID)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Stream.URL).Msg("Failed to open session")
	}
	defer s.Close()
	context.AfterFunc(ctx, func() { s.Close() })

	log.Info().
		Str("sessionId", s.ID()).
		Str("url", cfg.Stream.URL).
		Int("samples", len(samples)).
		Int("sampleRate", rate).
		Msg("Streaming audio")

	failed, err := relay.New(publisher).Run(ctx, s, func(ctx context.Context) error {
		return s.StreamSamples(ctx, samples)
	}, printEvent(log))
	if err != nil {
		log.Error().Err(err).Msg("Streaming failed")
	}
	if failed > 0 {
		log.Warn().Int("failed", failed).Msg("Some session events were not published")
	}

	st, reason := s.State(), s.Err()
	stats := s.FlowStats()
	log.Info().
		Str("state", st.String()).
		Uint64("chunksSent", stats.Sent).
		Uint64("acked", stats.Acked).
		Dur("elapsed", time.Since(s.CreatedAt())).
		AnErr("reason", reason).
		Msg("Session finished")
	if st != session.StateCompleted {
		os.Exit(1)
	}
}

func loadAudio(path string, silence time.Duration) ([]int, int, error) {
	if path == "" {
		rate := chunk.DefaultSampleRate
		return make([]int, int(silence.Seconds()*float64(rate))), rate, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	a, err := wav.Read(f)
	if err != nil {
		return nil, 0, err
	}
	return a.Samples, a.Format.SampleRate, nil
}

func printEvent(log zerolog.Logger) func(session.Event) {
	return func(ev session.Event) {
		e := log.Info().Str("event", ev.Kind.String()).Str("state", ev.State.String())
		switch ev.Kind {
		case session.EventTranscription, session.EventResponseText, session.EventRemoteError:
			e = e.Str("text", ev.Text)
		case session.EventResponseAudio:
			e = e.Int("audioBytes", len(ev.Audio))
		case session.EventUnacknowledged:
			e = e.Uint64("sequence", ev.Sequence)
		case session.EventDiagnostic:
			if ev.Diagnostic != nil {
				e = e.Str("diagnostic", ev.Diagnostic.Kind.String())
			}
		case session.EventStall, session.EventTerminal:
			e = e.AnErr("reason", ev.Err)
		}
		e.Msg("Session event")
	}
}
