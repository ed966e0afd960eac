package speech

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

// DefaultEndpoint is the iFlytek realtime recognition endpoint.
const DefaultEndpoint = "wss://ws-api.xfyun.cn/v2/iat"

// sendInterval is the protocol frame cadence. Audio arriving faster than this
// is coalesced and drained one fixed-size frame per tick.
const sendInterval = 40 * time.Millisecond

// audioRetainSeconds bounds the raw-audio accumulator kept for voiceprint
// reuse after the session ends.
const audioRetainSeconds = 60

// Config carries the recognition session parameters sent with the first frame.
type Config struct {
	Credential xfyun.Credential
	Endpoint   string
	Language   string
	Accent     string
	// VadEOS is the vendor-side end-of-speech silence timeout in ms.
	VadEOS int
	// Interval overrides the frame cadence; zero means the protocol default.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Language == "" {
		c.Language = "zh_cn"
	}
	if c.Accent == "" {
		c.Accent = "mandarin"
	}
	if c.VadEOS == 0 {
		c.VadEOS = 10000
	}
	if c.Interval == 0 {
		c.Interval = sendInterval
	}
	return c
}

// Client is one streaming recognition session: a single signed duplex
// connection that forwards framed microphone audio and surfaces incremental
// transcripts. Create a fresh Client per session; at most one session is open
// per client.
type Client struct {
	cfg Config

	transcripts chan string
	errs        chan error
	done        chan struct{}
	audioOut    chan []byte

	enc *audio.FrameEncoder
	raw *audio.Ring

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	// writeMu serializes frame writes; the connection allows one writer.
	writeMu sync.Mutex

	stopSend chan struct{}
	downOnce sync.Once
}

// request/response wire shapes, see the vendor streaming protocol.
type commonPart struct {
	AppID string `json:"app_id"`
}

type businessPart struct {
	Domain   string `json:"domain"`
	Language string `json:"language"`
	Accent   string `json:"accent"`
	Vinfo    int    `json:"vinfo"`
	VadEOS   int    `json:"vad_eos"`
}

type dataPart struct {
	Status   int    `json:"status"`
	Format   string `json:"format"`
	Audio    string `json:"audio"`
	Encoding string `json:"encoding"`
}

type frameMessage struct {
	Common   *commonPart   `json:"common,omitempty"`
	Business *businessPart `json:"business,omitempty"`
	Data     dataPart      `json:"data"`
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Sid     string `json:"sid"`
	Data    struct {
		Status int `json:"status"`
		Result struct {
			Ws []struct {
				Cw []struct {
					W string `json:"w"`
				} `json:"cw"`
			} `json:"ws"`
		} `json:"result"`
	} `json:"data"`
}

// NewClient prepares a recognition session. Connect opens it.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:         cfg.withDefaults(),
		transcripts: make(chan string, 100),
		errs:        make(chan error, 8),
		done:        make(chan struct{}),
		audioOut:    make(chan []byte, 1),
		enc:         audio.NewFrameEncoder(audio.FrameSize),
		raw:         audio.NewRing(audioRetainSeconds),
		stopSend:    make(chan struct{}),
	}
}

// Transcripts delivers incremental recognized text in arrival order.
func (c *Client) Transcripts() <-chan string { return c.transcripts }

// Errors delivers protocol and transport errors. The session is not retried
// at this layer; retry policy belongs to the orchestrator.
func (c *Client) Errors() <-chan error { return c.errs }

// Done is closed once the session has fully terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Audio yields the raw PCM accumulated over the session, delivered exactly
// once after the connection closes, for downstream voiceprint use.
func (c *Client) Audio() <-chan []byte { return c.audioOut }

// Connect signs the handshake and opens the streaming connection. On success
// the frame cursor is reset to the first frame and the transcript and audio
// accumulators are cleared.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if !c.cfg.Credential.Valid() {
		return fmt.Errorf("speech: incomplete credential")
	}

	wsURL, err := c.cfg.Credential.AssembleURL(c.cfg.Endpoint, "GET")
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			log.Printf("speech: handshake rejected with status %d", resp.StatusCode)
		}
		return fmt.Errorf("speech: connect: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.enc.Reset()
	c.raw.Reset()

	go c.readLoop(conn)
	go c.sendLoop(conn)

	log.Printf("speech: session open to %s", c.cfg.Endpoint)
	return nil
}

// SendAudio queues 16kHz/16-bit mono PCM for framed delivery. The bytes are
// also retained (bounded) for voiceprint reuse after the session.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("speech: session not open")
	}
	c.enc.Write(pcm)
	c.raw.Append(pcm)
	return nil
}

func (c *Client) sendLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSend:
			return
		case <-ticker.C:
			frame, ok := c.enc.Next()
			if !ok {
				continue
			}
			if err := c.writeFrame(conn, frame); err != nil {
				log.Printf("speech: frame send error: %v", err)
				return
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f audio.Frame) error {
	status := 1
	msg := frameMessage{}
	switch f.Role {
	case audio.RoleFirst:
		status = 0
		msg.Common = &commonPart{AppID: c.cfg.Credential.AppID}
		msg.Business = &businessPart{
			Domain:   "iat",
			Language: c.cfg.Language,
			Accent:   c.cfg.Accent,
			Vinfo:    1,
			VadEOS:   c.cfg.VadEOS,
		}
	case audio.RoleLast:
		status = 2
	}
	msg.Data = dataPart{
		Status:   status,
		Format:   "audio/L16;rate=16000",
		Audio:    base64.StdEncoding.EncodeToString(f.Data),
		Encoding: "raw",
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.teardown()
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var r response
	if err := json.Unmarshal(message, &r); err != nil {
		c.emitError(fmt.Errorf("speech: parse response: %w", err))
		return
	}
	if r.Code != 0 {
		c.emitError(&xfyun.APIError{Code: r.Code, Message: r.Message, Sid: r.Sid})
		return
	}
	var text string
	for _, ws := range r.Data.Result.Ws {
		for _, cw := range ws.Cw {
			text += cw.W
		}
	}
	if text == "" {
		return
	}
	select {
	case c.transcripts <- text:
	default:
		// slow consumer; fragments are incremental so dropping is tolerable
	}
}

func (c *Client) emitError(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Close flushes the terminal frame, waits briefly for it to drain, closes the
// connection and delivers the accumulated raw audio.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.connected = false
	c.mu.Unlock()
	if !connected || conn == nil {
		c.teardown()
		return nil
	}

	close(c.stopSend)
	for _, f := range c.enc.Finish() {
		if err := c.writeFrame(conn, f); err != nil {
			log.Printf("speech: last frame send error: %v", err)
			break
		}
	}
	// let the terminal frame flush before closing the socket
	time.Sleep(100 * time.Millisecond)
	_ = conn.Close()
	c.teardown()
	return nil
}

// teardown runs once, on explicit stop or vendor-initiated disconnect. Any
// accumulated raw audio is made available exactly once, then cleared.
func (c *Client) teardown() {
	c.downOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		if pcm := c.raw.Tail(c.raw.Len()); len(pcm) > 0 {
			select {
			case c.audioOut <- pcm:
			default:
			}
		}
		c.raw.Reset()
		close(c.done)
	})
}
