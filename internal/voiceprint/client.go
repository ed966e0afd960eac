package voiceprint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

// DefaultEndpoint is the iFlytek voiceprint service endpoint. The trailing
// path segment is the service id and doubles as the parameter block key.
const DefaultEndpoint = "https://api.xf-yun.com/v1/private/s782b4996"

const serviceID = "s782b4996"

const (
	// MinAudioBytes is two seconds of 16kHz/16-bit mono, the vendor minimum
	// for a usable sample. Shorter audio is rejected locally.
	MinAudioBytes = 2 * audio.BytesPerSecond
	// MaxAudioBytes caps a sample at sixty seconds; longer audio keeps its
	// head and drops the rest.
	MaxAudioBytes = 60 * audio.BytesPerSecond
)

// Feature is one enrolled voiceprint entry in a group.
type Feature struct {
	FeatureID   string `json:"featureId"`
	FeatureInfo string `json:"featureInfo"`
}

// Match is one identification candidate with its similarity score.
type Match struct {
	FeatureID string  `json:"featureId"`
	Score     float64 `json:"score"`
}

// Config carries the client dependencies. HTTPClient is optional and mainly
// for tests; the default applies a 30 second timeout.
type Config struct {
	Credential xfyun.Credential
	Endpoint   string
	HTTPClient *http.Client
}

// Client talks to the voiceprint group and feature operations. Identification
// calls supersede each other: starting a new search aborts the one in flight,
// so at most one outstanding search exists at a time.
type Client struct {
	cred     xfyun.Credential
	endpoint string
	http     *http.Client

	searchMu     sync.Mutex
	cancelSearch context.CancelFunc
}

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cred:     cfg.Credential,
		endpoint: cfg.Endpoint,
		http:     cfg.HTTPClient,
	}
}

// prepareAudio strips any WAV container, enforces the minimum length, caps at
// the maximum keeping the head, and trims a trailing odd byte so the sample
// stays whole 16-bit frames.
func prepareAudio(pcm []byte) ([]byte, error) {
	pcm = audio.StripWAVHeader(pcm)
	if len(pcm) < MinAudioBytes {
		return nil, fmt.Errorf("voiceprint: sample too short: %d bytes, need %d", len(pcm), MinAudioBytes)
	}
	if len(pcm) > MaxAudioBytes {
		pcm = pcm[:MaxAudioBytes]
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return pcm, nil
}

// envelope assembles the service request body. Every call carries the func
// name, its parameters, and a result-format block keyed "<func>Res"; calls
// that ship audio add a payload.resource section.
func (c *Client) envelope(fn string, params map[string]any, pcm []byte) ([]byte, error) {
	block := map[string]any{"func": fn}
	for k, v := range params {
		block[k] = v
	}
	block[fn+"Res"] = map[string]string{
		"encoding": "utf8",
		"compress": "raw",
		"format":   "json",
	}
	body := map[string]any{
		"header": map[string]any{
			"app_id": c.cred.AppID,
			"status": 3,
		},
		"parameter": map[string]any{
			serviceID: block,
		},
	}
	if pcm != nil {
		body["payload"] = map[string]any{
			"resource": map[string]any{
				"encoding":    "raw",
				"sample_rate": 16000,
				"channels":    1,
				"bit_depth":   16,
				"status":      3,
				"audio":       base64.StdEncoding.EncodeToString(pcm),
			},
		}
	}
	return json.Marshal(body)
}

type apiResponse struct {
	Header struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Sid     string `json:"sid"`
	} `json:"header"`
	Payload map[string]struct {
		Text string `json:"text"`
	} `json:"payload"`
}

// call signs the endpoint, posts the envelope and returns the decoded result
// text for fn. Vendor business errors come back as *xfyun.APIError.
func (c *Client) call(ctx context.Context, fn string, params map[string]any, pcm []byte) ([]byte, error) {
	body, err := c.envelope(fn, params, pcm)
	if err != nil {
		return nil, err
	}
	signed, err := c.cred.AssembleURL(c.endpoint, "POST")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signed, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voiceprint: %s: %w", fn, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voiceprint: %s: read response: %w", fn, err)
	}

	var r apiResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("voiceprint: %s: parse response: %w", fn, err)
	}
	if r.Header.Code != 0 {
		return nil, &xfyun.APIError{Code: r.Header.Code, Message: r.Header.Message, Sid: r.Header.Sid}
	}
	return decodeResultText(r.Payload[fn+"Res"].Text), nil
}

// decodeResultText handles the two encodings the service uses for result
// text: base64-wrapped JSON and plain JSON.
func decodeResultText(text string) []byte {
	if text == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
		return decoded
	}
	return []byte(text)
}

// CreateGroup registers a voiceprint group. Creating a group that already
// exists is not an error.
func (c *Client) CreateGroup(ctx context.Context, groupID, name, info string) error {
	_, err := c.call(ctx, "createGroup", map[string]any{
		"groupId":   groupID,
		"groupName": name,
		"groupInfo": info,
	}, nil)
	if apiErr, ok := xfyun.IsAPIError(err); ok && strings.Contains(apiErr.Message, "group already exists") {
		return nil
	}
	return err
}

// DeleteGroup removes a group and every feature in it.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "deleteGroup", map[string]any{"groupId": groupID}, nil)
	return err
}

// CreateFeature enrolls a voiceprint from a PCM sample.
func (c *Client) CreateFeature(ctx context.Context, groupID, featureID, featureInfo string, pcm []byte) error {
	sample, err := prepareAudio(pcm)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "createFeature", map[string]any{
		"groupId":     groupID,
		"featureId":   featureID,
		"featureInfo": featureInfo,
	}, sample)
	return err
}

// UpdateFeature replaces the audio behind an existing enrollment.
func (c *Client) UpdateFeature(ctx context.Context, groupID, featureID, featureInfo string, pcm []byte) error {
	sample, err := prepareAudio(pcm)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "updateFeature", map[string]any{
		"groupId":     groupID,
		"featureId":   featureID,
		"featureInfo": featureInfo,
	}, sample)
	return err
}

// DeleteFeature removes one enrollment. Deleting a feature that does not
// exist succeeds.
func (c *Client) DeleteFeature(ctx context.Context, groupID, featureID string) error {
	_, err := c.call(ctx, "deleteFeature", map[string]any{
		"groupId":   groupID,
		"featureId": featureID,
	}, nil)
	if apiErr, ok := xfyun.IsAPIError(err); ok && strings.Contains(apiErr.Message, "no such feature") {
		return nil
	}
	return err
}

// QueryFeatureList lists the enrollments in a group. A group with no
// enrollments yet reads as an empty list, not an error.
func (c *Client) QueryFeatureList(ctx context.Context, groupID string) ([]Feature, error) {
	result, err := c.call(ctx, "queryFeatureList", map[string]any{"groupId": groupID}, nil)
	if apiErr, ok := xfyun.IsAPIError(err); ok && strings.Contains(apiErr.Message, "this groupId is empty") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	var features []Feature
	if err := json.Unmarshal(result, &features); err != nil {
		return nil, fmt.Errorf("voiceprint: parse feature list: %w", err)
	}
	return features, nil
}

// searchContext cancels any in-flight search and installs a fresh context for
// the new one.
func (c *Client) searchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	if c.cancelSearch != nil {
		c.cancelSearch()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelSearch = cancel
	return ctx, cancel
}

// SearchFeature identifies a speaker against the whole group, returning up to
// topK candidates ordered best first. A new search aborts the previous one.
func (c *Client) SearchFeature(ctx context.Context, groupID string, topK int, pcm []byte) ([]Match, error) {
	sample, err := prepareAudio(pcm)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 1
	}
	ctx, cancel := c.searchContext(ctx)
	defer cancel()
	result, err := c.call(ctx, "searchFea", map[string]any{
		"groupId": groupID,
		"topK":    topK,
	}, sample)
	if err != nil {
		return nil, err
	}
	return parseMatches(result)
}

// SearchFeatureFile identifies a speaker from a WAV file on disk. The file
// must carry 16kHz mono PCM, the only layout the vendor accepts.
func (c *Client) SearchFeatureFile(ctx context.Context, groupID string, topK int, path string) ([]Match, error) {
	pcm, format, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	if want := audio.DefaultFormat(); format != want {
		return nil, fmt.Errorf("voiceprint: %s has format %+v, want %+v", path, format, want)
	}
	return c.SearchFeature(ctx, groupID, topK, pcm)
}

// SearchScoreFeature compares a sample against one specific enrollment and
// returns the similarity score.
func (c *Client) SearchScoreFeature(ctx context.Context, groupID, featureID string, pcm []byte) (float64, error) {
	sample, err := prepareAudio(pcm)
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.searchContext(ctx)
	defer cancel()
	result, err := c.call(ctx, "searchScoreFea", map[string]any{
		"groupId":      groupID,
		"dstFeatureId": featureID,
	}, sample)
	if err != nil {
		return 0, err
	}
	var scored struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(result, &scored); err != nil {
		return 0, fmt.Errorf("voiceprint: parse score: %w", err)
	}
	return scored.Score, nil
}

// parseMatches normalizes the three result shapes the service is known to
// return for identification: a bare array, an object with a data array, and
// an object with a scoreList array. Output is ordered by score descending.
func parseMatches(result []byte) ([]Match, error) {
	if len(result) == 0 {
		return nil, nil
	}
	var matches []Match
	if err := json.Unmarshal(result, &matches); err == nil {
		return sortMatches(matches), nil
	}
	var wrapped struct {
		Data      []Match `json:"data"`
		ScoreList []Match `json:"scoreList"`
	}
	if err := json.Unmarshal(result, &wrapped); err != nil {
		return nil, fmt.Errorf("voiceprint: parse search result: %w", err)
	}
	if wrapped.Data != nil {
		return sortMatches(wrapped.Data), nil
	}
	return sortMatches(wrapped.ScoreList), nil
}

func sortMatches(matches []Match) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}
