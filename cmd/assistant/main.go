package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/CabbageLeon/KunPeng/internal/assistant"
	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/config"
	"github.com/CabbageLeon/KunPeng/internal/httpserver"
	"github.com/CabbageLeon/KunPeng/internal/playback"
	"github.com/CabbageLeon/KunPeng/internal/speech"
	"github.com/CabbageLeon/KunPeng/internal/tts"
	"github.com/CabbageLeon/KunPeng/internal/visitor"
	"github.com/CabbageLeon/KunPeng/internal/voiceprint"
)

// ttsSpeaker voices assistant replies through the synthesis service and the
// local output device.
type ttsSpeaker struct {
	client *tts.Client
}

func (s *ttsSpeaker) Say(ctx context.Context, text string) error {
	pcmCh, errCh := s.client.Synthesize(ctx, text)
	done, err := playback.PlayStream(pcmCh)
	if err != nil {
		for range pcmCh {
		}
		<-errCh
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errCh
}

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	addr := pflag.String("addr", "", "HTTP listen address (overrides HTTP_ADDRESS)")
	groupID := pflag.String("group-id", "", "voiceprint group id (overrides VOICEPRINT_GROUP_ID)")
	voice := pflag.String("voice", "", "synthesis voice (overrides TTS_VOICE)")
	visitorFile := pflag.String("visitor-file", "", "visitor id file (overrides VISITOR_FILE)")
	wakePhrases := pflag.StringSlice("wake-phrase", nil, "extra wake phrases")
	pflag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.HTTPAddress = *addr
	}
	if *groupID != "" {
		cfg.GroupID = *groupID
	}
	if *voice != "" {
		cfg.TTSVoice = *voice
	}
	if *visitorFile != "" {
		cfg.VisitorFile = *visitorFile
	}
	cfg.WakePhrases = append(cfg.WakePhrases, *wakePhrases...)

	if !cfg.Credential.Valid() {
		log.Fatal("xfyun credential is incomplete, set XFYUN_APP_ID, XFYUN_API_KEY and XFYUN_API_SECRET")
	}

	if err := audio.InitHost(); err != nil {
		log.Fatalf("audio host: %v", err)
	}
	defer audio.TerminateHost()

	capture := audio.NewCapture()
	if err := capture.Start(); err != nil {
		log.Fatalf("microphone: %v", err)
	}
	defer capture.Stop()

	store := visitor.NewStore(cfg.VisitorFile)
	vp := voiceprint.NewClient(voiceprint.Config{
		Credential: cfg.Credential,
		Endpoint:   cfg.VoiceprintEndpoint,
	})
	speaker := &ttsSpeaker{client: tts.NewClient(tts.Config{
		Credential: cfg.Credential,
		Endpoint:   cfg.TTSEndpoint,
		Voice:      cfg.TTSVoice,
		OutDir:     cfg.TTSOutDir,
	})}
	newRecognizer := func() assistant.Recognizer {
		return speech.NewClient(speech.Config{
			Credential: cfg.Credential,
			Endpoint:   cfg.SpeechEndpoint,
		})
	}

	ctrl := assistant.NewController(assistant.Config{
		GroupID:     cfg.GroupID,
		WakePhrases: cfg.WakePhrases,
		Gate:        cfg.Gate(),
	}, newRecognizer, vp, speaker, capture, store)

	srv := httpserver.New(httpserver.Config{
		GroupID:   cfg.GroupID,
		Features:  vp,
		Assistant: ctrl,
		Visitors:  store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controllerErrors := make(chan error, 1)
	go func() {
		controllerErrors <- ctrl.Run(ctx)
	}()

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- srv.Start(cfg.HTTPAddress)
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	case err := <-controllerErrors:
		if err != nil && err != context.Canceled {
			log.Printf("controller error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
