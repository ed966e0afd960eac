package assistant

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/visitor"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

// State is the wake-word machine position.
type State int

const (
	StateIdle State = iota
	StateAwake
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwake:
		return "awake"
	case StateProcessing:
		return "processing"
	}
	return "unknown"
}

// Config tunes the controller. Zero values fall back to the defaults below.
type Config struct {
	GroupID     string
	WakePhrases []string

	// VisitorFeatureID is the fixed enrollment id for the walk-in visitor.
	VisitorFeatureID string

	// WakeResetTimeout returns the machine to idle after silence; it restarts
	// instead when a command is still being processed.
	WakeResetTimeout time.Duration
	// CommandTimeout returns the machine from processing to awake.
	CommandTimeout time.Duration
	// IdentifyInterval paces speaker identification polls.
	IdentifyInterval time.Duration
	// IdentifyMinBytes is the least buffered audio a poll needs.
	IdentifyMinBytes int
	// MatchThreshold is the lowest identification score accepted as a match.
	MatchThreshold float64

	Gate audio.Gate

	// Reconnect backoffs by failure class.
	BackoffNetwork time.Duration
	BackoffAPI     time.Duration
	BackoffNormal  time.Duration
}

func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = "volunteer"
	}
	if len(c.WakePhrases) == 0 {
		c.WakePhrases = DefaultWakePhrases
	}
	if c.VisitorFeatureID == "" {
		c.VisitorFeatureID = "visitor"
	}
	if c.WakeResetTimeout == 0 {
		c.WakeResetTimeout = 30 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.IdentifyInterval == 0 {
		c.IdentifyInterval = 2 * time.Second
	}
	if c.IdentifyMinBytes == 0 {
		c.IdentifyMinBytes = 3 * audio.BytesPerSecond
	}
	if c.MatchThreshold == 0 {
		c.MatchThreshold = 0.6
	}
	if c.Gate == (audio.Gate{}) {
		c.Gate = audio.DefaultGate()
	}
	if c.BackoffNetwork == 0 {
		c.BackoffNetwork = 5 * time.Second
	}
	if c.BackoffAPI == 0 {
		c.BackoffAPI = 3 * time.Second
	}
	if c.BackoffNormal == 0 {
		c.BackoffNormal = time.Second
	}
	return c
}

// Controller runs the wake-word machine: it keeps a recognition session
// alive, watches transcripts for the wake phrase and commands, and polls the
// voiceprint group to keep track of who is talking.
type Controller struct {
	cfg       Config
	newRec    RecognizerFactory
	speakerID SpeakerID
	speaker   Speaker
	source    Source
	visitors  *visitor.Store
	broker    *Broker

	mu           sync.Mutex
	state        State
	speakerName  string
	rec          Recognizer
	ring         *audio.Ring
	wakeTimer    *time.Timer
	commandTimer *time.Timer
	enrolledOnce bool
	featureNames map[string]string
}

// NewController wires the controller. visitors may be nil when persistence
// is disabled.
func NewController(cfg Config, newRec RecognizerFactory, speakerID SpeakerID, speaker Speaker, source Source, visitors *visitor.Store) *Controller {
	return &Controller{
		cfg:          cfg.withDefaults(),
		newRec:       newRec,
		speakerID:    speakerID,
		speaker:      speaker,
		source:       source,
		visitors:     visitors,
		broker:       NewBroker(),
		ring:         audio.NewRing(60),
		featureNames: make(map[string]string),
	}
}

// Events exposes the state change feed.
func (c *Controller) Events() *Broker { return c.broker }

// State returns the current machine position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SpeakerName returns the display name of the last identified speaker, or ""
// when nobody has been identified yet.
func (c *Controller) SpeakerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerName
}

// Run prepares the voiceprint group and drives the audio, recognition and
// identification loops until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.prepareGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.audioLoop(ctx) }()
	go func() { defer wg.Done(); c.recognitionLoop(ctx) }()
	go func() { defer wg.Done(); c.identifyLoop(ctx) }()
	wg.Wait()

	c.mu.Lock()
	if c.wakeTimer != nil {
		c.wakeTimer.Stop()
	}
	if c.commandTimer != nil {
		c.commandTimer.Stop()
	}
	c.mu.Unlock()
	return ctx.Err()
}

// prepareGroup creates the group if needed and primes the feature name
// cache. A stored visitor id counts as the one allowed enrollment.
func (c *Controller) prepareGroup(ctx context.Context) error {
	if err := c.speakerID.CreateGroup(ctx, c.cfg.GroupID, c.cfg.GroupID, "voice assistant group"); err != nil {
		return fmt.Errorf("assistant: prepare group: %w", err)
	}
	features, err := c.speakerID.QueryFeatureList(ctx, c.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("assistant: query features: %w", err)
	}
	c.mu.Lock()
	for _, f := range features {
		c.featureNames[f.FeatureID] = f.FeatureInfo
	}
	c.mu.Unlock()
	log.Printf("assistant: group %s holds %d features", c.cfg.GroupID, len(features))

	if c.visitors != nil {
		id, err := c.visitors.Load()
		if err != nil {
			log.Printf("assistant: visitor store: %v", err)
		} else if id != "" {
			c.mu.Lock()
			c.enrolledOnce = true
			c.mu.Unlock()
			log.Printf("assistant: visitor %s already enrolled", id)
		}
	}
	return nil
}

// audioLoop fans captured chunks into the identification ring and the live
// recognition session.
func (c *Controller) audioLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-c.source.Chunks():
			if !ok {
				return
			}
			c.ring.Append(chunk)
			c.mu.Lock()
			rec := c.rec
			c.mu.Unlock()
			if rec != nil {
				if err := rec.SendAudio(chunk); err != nil {
					log.Printf("assistant: send audio: %v", err)
				}
			}
		}
	}
}

// recognitionLoop keeps one session open at a time, reconnecting with a
// backoff picked by failure class.
func (c *Controller) recognitionLoop(ctx context.Context) {
	for ctx.Err() == nil {
		rec := c.newRec()
		if err := rec.Connect(); err != nil {
			log.Printf("assistant: recognition connect: %v", err)
			c.broker.Publish(Event{Type: EventError, Text: err.Error()})
			if !sleepCtx(ctx, c.backoffFor(err)) {
				return
			}
			continue
		}
		c.mu.Lock()
		c.rec = rec
		c.mu.Unlock()

		lastErr := c.consumeSession(ctx, rec)

		c.mu.Lock()
		c.rec = nil
		c.mu.Unlock()
		_ = rec.Close()
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, c.backoffFor(lastErr)) {
			return
		}
	}
}

func (c *Controller) consumeSession(ctx context.Context, rec Recognizer) error {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-rec.Transcripts():
			if !ok {
				return lastErr
			}
			c.handleTranscript(ctx, text)
		case err := <-rec.Errors():
			if err != nil {
				log.Printf("assistant: recognition: %v", err)
				c.broker.Publish(Event{Type: EventError, Text: err.Error()})
				lastErr = err
			}
		case <-rec.Done():
			return lastErr
		}
	}
}

func (c *Controller) backoffFor(err error) time.Duration {
	switch {
	case err == nil:
		return c.cfg.BackoffNormal
	case xfyun.IsNetworkError(err):
		return c.cfg.BackoffNetwork
	default:
		return c.cfg.BackoffAPI
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handleTranscript advances the machine on one recognized fragment.
func (c *Controller) handleTranscript(ctx context.Context, text string) {
	if text == "" {
		return
	}
	c.broker.Publish(Event{Type: EventTranscript, Text: text})

	c.mu.Lock()
	state := c.state
	name := c.speakerName
	c.mu.Unlock()

	switch state {
	case StateIdle:
		if containsWakePhrase(text, c.cfg.WakePhrases) {
			c.wake(ctx, name)
		}
	case StateAwake:
		if containsWakePhrase(text, c.cfg.WakePhrases) {
			// repeated wake phrase keeps the machine awake
			c.mu.Lock()
			c.armWakeTimerLocked()
			c.mu.Unlock()
			return
		}
		c.runCommand(ctx, text, name)
	case StateProcessing:
		// a command is in flight; fragments are ignored until it settles
	}
}

func (c *Controller) wake(ctx context.Context, name string) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateAwake
	c.armWakeTimerLocked()
	c.mu.Unlock()

	log.Printf("assistant: wake phrase heard, speaker=%q", name)
	c.broker.Publish(Event{Type: EventState, State: StateAwake.String(), Speaker: name})

	greeting := "我在，请吩咐"
	if name != "" {
		greeting = fmt.Sprintf("你好%s，我在，请吩咐", name)
	}
	c.say(ctx, greeting)
}

// armWakeTimerLocked starts or restarts the silence reset. Callers hold mu.
func (c *Controller) armWakeTimerLocked() {
	if c.wakeTimer != nil {
		c.wakeTimer.Stop()
	}
	c.wakeTimer = time.AfterFunc(c.cfg.WakeResetTimeout, c.onWakeTimeout)
}

// onWakeTimeout fires after sustained silence. A command still processing
// earns another full window; otherwise the machine sleeps.
func (c *Controller) onWakeTimeout() {
	c.mu.Lock()
	if c.state == StateProcessing {
		c.armWakeTimerLocked()
		c.mu.Unlock()
		return
	}
	if c.state != StateAwake {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()
	log.Printf("assistant: silence timeout, back to idle")
	c.broker.Publish(Event{Type: EventState, State: StateIdle.String()})
}

// runCommand takes the first non-wake transcript heard while awake as the
// command. Known commands get a spoken reply; anything else is just reported.
func (c *Controller) runCommand(ctx context.Context, text, name string) {
	c.mu.Lock()
	if c.state != StateAwake {
		c.mu.Unlock()
		return
	}
	c.state = StateProcessing
	c.armWakeTimerLocked()
	c.mu.Unlock()

	log.Printf("assistant: command heard: %s", text)
	c.broker.Publish(Event{Type: EventCommand, Text: text, Speaker: name})
	c.broker.Publish(Event{Type: EventState, State: StateProcessing.String(), Speaker: name})

	reply := commandReply(matchCommand(text), name)
	go func() {
		if reply != "" {
			c.say(ctx, reply)
		}
		c.mu.Lock()
		if c.commandTimer != nil {
			c.commandTimer.Stop()
		}
		c.commandTimer = time.AfterFunc(c.cfg.CommandTimeout, c.onCommandSettled)
		c.mu.Unlock()
	}()
}

// onCommandSettled returns the machine to idle once the command delay
// elapses; the silence reset timer is cancelled with it.
func (c *Controller) onCommandSettled() {
	c.mu.Lock()
	if c.state != StateProcessing {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	if c.wakeTimer != nil {
		c.wakeTimer.Stop()
	}
	c.mu.Unlock()
	c.broker.Publish(Event{Type: EventState, State: StateIdle.String()})
}

func (c *Controller) say(ctx context.Context, text string) {
	if c.speaker == nil || text == "" {
		return
	}
	c.broker.Publish(Event{Type: EventReply, Text: text})
	if err := c.speaker.Say(ctx, text); err != nil {
		log.Printf("assistant: speak: %v", err)
		c.broker.Publish(Event{Type: EventError, Text: err.Error()})
	}
}

// identifyLoop polls the voiceprint service on recent audio.
func (c *Controller) identifyLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.IdentifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce runs one identification pass: enough recent audio, loud enough to
// carry a voice, then one search. A confident match updates the speaker; an
// unconfident one may enroll the walk-in visitor, once.
func (c *Controller) pollOnce(ctx context.Context) {
	pcm := c.ring.Tail(c.ring.Len())
	if len(pcm) < c.cfg.IdentifyMinBytes {
		return
	}
	if !c.cfg.Gate.Pass(pcm) {
		return
	}

	matches, err := c.speakerID.SearchFeature(ctx, c.cfg.GroupID, 1, pcm)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("assistant: identify: %v", err)
		}
		return
	}
	if len(matches) > 0 && matches[0].Score >= c.cfg.MatchThreshold {
		c.setSpeaker(matches[0].FeatureID)
		return
	}
	c.maybeEnrollVisitor(ctx, pcm)
}

func (c *Controller) setSpeaker(featureID string) {
	c.mu.Lock()
	name := c.featureNames[featureID]
	if name == "" {
		name = featureID
	}
	changed := name != c.speakerName
	c.speakerName = name
	c.mu.Unlock()
	if changed {
		log.Printf("assistant: speaker identified as %s", name)
		c.broker.Publish(Event{Type: EventSpeaker, Speaker: name})
	}
}

// maybeEnrollVisitor registers an unrecognized voice under the fixed visitor
// feature id. At most one enrollment happens per run; a persisted visitor id
// from an earlier run also uses it up. When the group already holds the
// feature from an earlier run, the enrollment is refreshed in place.
func (c *Controller) maybeEnrollVisitor(ctx context.Context, pcm []byte) {
	featureID := c.cfg.VisitorFeatureID
	c.mu.Lock()
	if c.enrolledOnce {
		c.mu.Unlock()
		return
	}
	c.enrolledOnce = true
	_, exists := c.featureNames[featureID]
	c.mu.Unlock()

	enroll := c.speakerID.CreateFeature
	if exists {
		enroll = c.speakerID.UpdateFeature
	}
	if err := enroll(ctx, c.cfg.GroupID, featureID, "访客", pcm); err != nil {
		log.Printf("assistant: enroll visitor: %v", err)
		return
	}
	c.mu.Lock()
	c.featureNames[featureID] = "访客"
	c.mu.Unlock()
	if c.visitors != nil {
		if err := c.visitors.Save(featureID); err != nil {
			log.Printf("assistant: save visitor id: %v", err)
		}
	}
	log.Printf("assistant: enrolled visitor as %s", featureID)
	c.broker.Publish(Event{Type: EventSpeaker, Speaker: "访客"})
}
