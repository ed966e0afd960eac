package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

// DefaultEndpoint is the iFlytek realtime synthesis endpoint.
const DefaultEndpoint = "wss://tts-api.xfyun.cn/v2/tts"

// DefaultVoice is the synthesis voice used when none is configured.
const DefaultVoice = "x4_yezi"

// Config carries the synthesis session parameters. When OutDir is set, each
// completed utterance is also written there as a named WAV file.
type Config struct {
	Credential xfyun.Credential
	Endpoint   string
	Voice      string
	Speed      int
	Volume     int
	Pitch      int
	OutDir     string
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Speed == 0 {
		c.Speed = 50
	}
	if c.Volume == 0 {
		c.Volume = 50
	}
	if c.Pitch == 0 {
		c.Pitch = 50
	}
	return c
}

// Client synthesizes speech one utterance at a time. Each request opens a
// fresh signed connection; a request made while another is in flight is
// rejected rather than queued.
type Client struct {
	cfg  Config
	busy int32
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

type request struct {
	Common struct {
		AppID string `json:"app_id"`
	} `json:"common"`
	Business struct {
		Aue    string `json:"aue"`
		Auf    string `json:"auf"`
		Vcn    string `json:"vcn"`
		Speed  int    `json:"speed"`
		Volume int    `json:"volume"`
		Pitch  int    `json:"pitch"`
		Tte    string `json:"tte"`
	} `json:"business"`
	Data struct {
		Status int    `json:"status"`
		Text   string `json:"text"`
	} `json:"data"`
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Sid     string `json:"sid"`
	Data    struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
}

// Synthesize streams raw 16kHz/16-bit mono PCM for text. The audio channel
// closes once the vendor marks the final chunk; at most one error is
// delivered. Cancelling ctx aborts the session. With OutDir configured, the
// accumulated utterance is also saved as a WAV file before the channel closes.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		errCh <- fmt.Errorf("tts: synthesis already in progress")
		close(pcmCh)
		close(errCh)
		return pcmCh, errCh
	}
	go func() {
		defer atomic.StoreInt32(&c.busy, 0)
		defer close(pcmCh)
		defer close(errCh)
		var collected []byte
		err := c.stream(ctx, text, func(chunk []byte) error {
			collected = append(collected, chunk...)
			select {
			case pcmCh <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errCh <- err
			return
		}
		if c.cfg.OutDir != "" && len(collected) > 0 {
			if _, err := writeUtterance(c.cfg.OutDir, collected); err != nil {
				log.Printf("tts: save utterance: %v", err)
			}
		}
	}()
	return pcmCh, errCh
}

func (c *Client) stream(ctx context.Context, text string, emit func(chunk []byte) error) error {
	if !c.cfg.Credential.Valid() {
		return fmt.Errorf("tts: incomplete credential")
	}
	if text == "" {
		return fmt.Errorf("tts: empty text")
	}

	wsURL, err := c.cfg.Credential.AssembleURL(c.cfg.Endpoint, "GET")
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("tts: connect: %w", err)
	}
	defer conn.Close()

	// the whole utterance goes in one frame; the vendor streams audio back
	var req request
	req.Common.AppID = c.cfg.Credential.AppID
	req.Business.Aue = "raw"
	req.Business.Auf = "audio/L16;rate=16000"
	req.Business.Vcn = c.cfg.Voice
	req.Business.Speed = c.cfg.Speed
	req.Business.Volume = c.cfg.Volume
	req.Business.Pitch = c.cfg.Pitch
	req.Business.Tte = "utf8"
	req.Data.Status = 2
	req.Data.Text = base64.StdEncoding.EncodeToString([]byte(text))

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("tts: send request: %w", err)
	}

	// unblock the read loop if the caller gives up
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tts: read response: %w", err)
		}
		var r response
		if err := json.Unmarshal(message, &r); err != nil {
			return fmt.Errorf("tts: parse response: %w", err)
		}
		if r.Code != 0 {
			return &xfyun.APIError{Code: r.Code, Message: r.Message, Sid: r.Sid}
		}
		if r.Data.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(r.Data.Audio)
			if err != nil {
				return fmt.Errorf("tts: decode audio chunk: %w", err)
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
		if r.Data.Status == 2 {
			return nil
		}
	}
}

// SynthesizeToFile collects a full utterance and writes it to dir as a WAV
// file with a generated name, returning the path.
func (c *Client) SynthesizeToFile(ctx context.Context, text, dir string) (string, error) {
	pcmCh, errCh := c.Synthesize(ctx, text)
	var pcm []byte
	for chunk := range pcmCh {
		pcm = append(pcm, chunk...)
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("tts: no audio produced")
	}
	return writeUtterance(dir, pcm)
}

func writeUtterance(dir string, pcm []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("tts: output dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".wav")
	if err := audio.WriteWAVFile(path, pcm, audio.DefaultFormat()); err != nil {
		return "", err
	}
	log.Printf("tts: wrote %d bytes of audio to %s", len(pcm), path)
	return path, nil
}
