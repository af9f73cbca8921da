package main

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"time"

	"ai-speech-stream/internal/app"
	"ai-speech-stream/internal/config"
	"ai-speech-stream/internal/fallback"
	"ai-speech-stream/internal/wav"
)

func main() {
	url := flag.String("url", "http://localhost:8080/", "Endpoint URL for the non-streaming POST")
	audioFile := flag.String("audio", "", "Path to a 16-bit PCM WAV file; empty sends one second of silence")
	timeout := flag.Duration("timeout", fallback.DefaultTimeout, "Request timeout")
	flag.Parse()

	application := app.New(config.Load())
	log := application.Logger

	pcm := make([]byte, 2*16000)
	if *audioFile != "" {
		f, err := os.Open(*audioFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open audio file")
		}
		a, err := wav.Read(f)
		f.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read audio file")
		}
		pcm = make([]byte, 2*len(a.Samples))
		for i, s := range a.Samples {
			binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(s)))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	resp, err := fallback.New(*url, nil).Transcribe(ctx, pcm)
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("Fallback request failed")
	}

	log.Info().
		Str("text", resp.Response.Text).
		Int("audioBytes", resp.AudioBytes).
		Dur("elapsed", time.Since(start)).
		Msg("Received transcription")
}
