package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/client"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "bridged base URL")
		dumpPath  = flag.String("dump", "", "write received response audio to this WAV file on exit")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log := observability.NewLogger(*logLevel, "console")

	if err := portaudio.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("portaudio init failed")
	}
	defer portaudio.Terminate()

	sessionID, err := createSession(*serverURL)
	if err != nil {
		log.Fatal().Err(err).Msg("create session failed")
	}
	log.Info().Str("session_id", sessionID).Msg("session created")

	speaker, err := client.NewSpeaker(client.DefaultFramesPerBuffer)
	if err != nil {
		log.Fatal().Err(err).Msg("open speaker failed")
	}
	defer speaker.Close()
	player := client.NewPlayer(speaker)
	defer player.Close()

	wsURL := "ws" + strings.TrimPrefix(*serverURL, "http") + "/v1/relay/session/ws?session_id=" + sessionID

	var manager *client.ConnManager

	// The capture is rebuilt on every reconnect attempt so no frames
	// recorded against the dead channel survive in its queue.
	var micMu sync.Mutex
	var mic *client.Capture
	stopCapture := func() {
		micMu.Lock()
		defer micMu.Unlock()
		if mic != nil {
			mic.Stop()
			mic = nil
		}
	}
	startCapture := func() error {
		micMu.Lock()
		defer micMu.Unlock()
		c, err := client.NewCapture(client.DefaultFramesPerBuffer)
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			return err
		}
		mic = c
		go func() {
			for frame := range c.Frames() {
				err := manager.Send(protocol.InputAudioAppend{
					Type:  protocol.TypeInputAudioAppend,
					Audio: frame,
				})
				if err != nil {
					// Disconnected; captured audio from the outage is discarded.
					continue
				}
			}
		}()
		return nil
	}

	manager = client.NewConnManager(client.ConnOptions{
		URL:    wsURL,
		Policy: reliability.DefaultReconnectPolicy(),
		Log:    log,
		OnReset: func() {
			// Anything scheduled or queued belongs to the dead channel.
			player.Clear()
			stopCapture()
			if err := startCapture(); err != nil {
				log.Warn().Err(err).Msg("microphone restart failed")
			}
		},
	})

	if err := startCapture(); err != nil {
		log.Fatal().Err(err).Msg("start microphone failed")
	}
	defer stopCapture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- manager.Run(ctx) }()

	var dump bytes.Buffer
	msgsDone := make(chan struct{})
	go func() {
		defer close(msgsDone)
		for msg := range manager.Messages() {
			switch m := msg.(type) {
			case protocol.ResponseAudioDelta:
				pcm, err := audio.DecodeBase64(m.Delta)
				if err != nil {
					log.Warn().Err(err).Msg("bad audio delta")
					continue
				}
				player.Enqueue(audio.BytesToPCM16(pcm))
				if *dumpPath != "" {
					dump.Write(pcm)
				}
			case protocol.ResponseTranscriptDelta:
				fmt.Print(m.Delta)
			case protocol.ResponseTranscriptDone:
				fmt.Println()
			case protocol.SpeechStarted:
				log.Debug().Msg("speech detected")
			case protocol.ErrorMessage:
				log.Error().Str("type", m.Error.Type).Str("message", m.Error.Message).Msg("relay error")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("interrupt; shutting down")
		manager.Stop()
		cancel()
		select {
		case <-runDone:
		case <-time.After(3 * time.Second):
		}
	case err := <-runDone:
		if err != nil {
			log.Error().Err(err).Msg("connection ended")
		}
	}

	select {
	case <-msgsDone:
	case <-time.After(time.Second):
	}

	if *dumpPath != "" && dump.Len() > 0 {
		if err := audio.WriteWAVFile(*dumpPath, dump.Bytes(), protocol.SampleRate); err != nil {
			log.Warn().Err(err).Msg("write wav dump failed")
		} else {
			log.Info().Str("path", *dumpPath).Msg("response audio written")
		}
	}

	endSession(*serverURL, sessionID)
}

func createSession(baseURL string) (string, error) {
	res, err := http.Post(baseURL+"/v1/relay/session", "application/json", nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: status %d", res.StatusCode)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.SessionID, nil
}

func endSession(baseURL, sessionID string) {
	res, err := http.Post(baseURL+"/v1/relay/session/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		return
	}
	res.Body.Close()
}
