package voiceprint

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

var testCredential = xfyun.Credential{AppID: "app", APIKey: "key", APISecret: "secret"}

// vendorResponse builds a success response whose result text is the
// base64-wrapped JSON the service returns.
func vendorResponse(fn string, result any) string {
	raw, _ := json.Marshal(result)
	text := base64.StdEncoding.EncodeToString(raw)
	return fmt.Sprintf(`{"header":{"code":0,"message":"success"},"payload":{"%sRes":{"text":"%s"}}}`, fn, text)
}

func vendorError(code int, message string) string {
	return fmt.Sprintf(`{"header":{"code":%d,"message":"%s","sid":"gmw01"}}`, code, message)
}

type recordedRequest struct {
	fn     string
	params map[string]any
	audio  []byte
}

// newVendorServer serves canned responses in order and records every request
// envelope it receives.
func newVendorServer(t *testing.T, responses ...string) (*httptest.Server, *[]recordedRequest, *int64) {
	t.Helper()
	var recorded []recordedRequest
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if r.URL.Query().Get("authorization") == "" {
			t.Error("request missing authorization parameter")
		}
		var body struct {
			Header struct {
				AppID  string `json:"app_id"`
				Status int    `json:"status"`
			} `json:"header"`
			Parameter map[string]map[string]any `json:"parameter"`
			Payload   struct {
				Resource struct {
					Audio      string `json:"audio"`
					SampleRate int    `json:"sample_rate"`
				} `json:"resource"`
			} `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		if body.Header.AppID != "app" {
			t.Errorf("header app_id = %q, want app", body.Header.AppID)
		}
		block := body.Parameter[serviceID]
		fn, _ := block["func"].(string)
		var pcm []byte
		if body.Payload.Resource.Audio != "" {
			decoded, err := base64.StdEncoding.DecodeString(body.Payload.Resource.Audio)
			if err != nil {
				t.Errorf("payload audio not base64: %v", err)
			}
			pcm = decoded
		}
		recorded = append(recorded, recordedRequest{fn: fn, params: block, audio: pcm})

		resp := responses[0]
		if int(n) <= len(responses) {
			resp = responses[n-1]
		}
		fmt.Fprint(w, resp)
	}))
	return srv, &recorded, &calls
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		Credential: testCredential,
		Endpoint:   srv.URL + "/v1/private/s782b4996",
		HTTPClient: srv.Client(),
	})
}

func sample(n int) []byte {
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	return pcm
}

func TestCreateGroup_AlreadyExistsIsSuccess(t *testing.T) {
	srv, _, _ := newVendorServer(t, vendorError(23005, "group already exists"))
	defer srv.Close()

	if err := testClient(srv).CreateGroup(context.Background(), "volunteer", "志愿者", "实验室"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
}

func TestCreateGroup_OtherErrorSurfaces(t *testing.T) {
	srv, _, _ := newVendorServer(t, vendorError(10313, "appid cannot be empty"))
	defer srv.Close()

	err := testClient(srv).CreateGroup(context.Background(), "volunteer", "志愿者", "实验室")
	apiErr, ok := xfyun.IsAPIError(err)
	if !ok {
		t.Fatalf("error %v is not an API error", err)
	}
	if apiErr.Code != 10313 {
		t.Errorf("code = %d, want 10313", apiErr.Code)
	}
}

func TestDeleteGroup(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("deleteGroup", map[string]string{"msg": "success"}))
	defer srv.Close()

	if err := testClient(srv).DeleteGroup(context.Background(), "volunteer"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	req := (*recorded)[0]
	if req.fn != "deleteGroup" {
		t.Errorf("func = %q, want deleteGroup", req.fn)
	}
	if req.params["groupId"] != "volunteer" {
		t.Errorf("groupId = %v, want volunteer", req.params["groupId"])
	}
}

func TestUpdateFeature(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("updateFeature", map[string]string{"msg": "success"}))
	defer srv.Close()

	pcm := sample(MinAudioBytes)
	if err := testClient(srv).UpdateFeature(context.Background(), "volunteer", "visitor", "访客", pcm); err != nil {
		t.Fatalf("UpdateFeature: %v", err)
	}
	req := (*recorded)[0]
	if req.fn != "updateFeature" {
		t.Errorf("func = %q, want updateFeature", req.fn)
	}
	if req.params["featureId"] != "visitor" {
		t.Errorf("featureId = %v, want visitor", req.params["featureId"])
	}
	if len(req.audio) != len(pcm) {
		t.Errorf("sent %d audio bytes, want %d", len(req.audio), len(pcm))
	}
}

func TestCreateFeature_RejectsShortSampleLocally(t *testing.T) {
	srv, _, calls := newVendorServer(t, vendorResponse("createFeature", map[string]string{"featureId": "x"}))
	defer srv.Close()

	err := testClient(srv).CreateFeature(context.Background(), "volunteer", "f1", "张三", sample(MinAudioBytes-2))
	if err == nil {
		t.Fatal("short sample accepted")
	}
	if got := atomic.LoadInt64(calls); got != 0 {
		t.Errorf("short sample reached the network: %d calls", got)
	}
}

func TestCreateFeature_TruncatesLongSample(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("createFeature", map[string]string{"featureId": "f1"}))
	defer srv.Close()

	long := sample(MaxAudioBytes + 50000)
	if err := testClient(srv).CreateFeature(context.Background(), "volunteer", "f1", "张三", long); err != nil {
		t.Fatalf("CreateFeature: %v", err)
	}
	req := (*recorded)[0]
	if len(req.audio) != MaxAudioBytes {
		t.Errorf("sent %d audio bytes, want %d", len(req.audio), MaxAudioBytes)
	}
	for i := 0; i < 100; i++ {
		if req.audio[i] != long[i] {
			t.Fatalf("truncation did not keep the head: byte %d differs", i)
		}
	}
}

func TestCreateFeature_StripsWAVHeader(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("createFeature", map[string]string{"featureId": "f1"}))
	defer srv.Close()

	pcm := sample(MinAudioBytes)
	header := []byte("RIFF\x00\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00\x80>\x00\x00\x00}\x00\x00\x02\x00\x10\x00data\x00\x00\x00\x00")
	if len(header) != audio.WAVHeaderSize {
		t.Fatalf("test header is %d bytes, want %d", len(header), audio.WAVHeaderSize)
	}
	containered := append(header, pcm...)
	if err := testClient(srv).CreateFeature(context.Background(), "volunteer", "f1", "张三", containered); err != nil {
		t.Fatalf("CreateFeature: %v", err)
	}
	if got := len((*recorded)[0].audio); got != len(pcm) {
		t.Errorf("sent %d audio bytes, want %d (header not stripped)", got, len(pcm))
	}
}

func TestDeleteFeature_MissingFeatureIsSuccess(t *testing.T) {
	srv, _, _ := newVendorServer(t, vendorError(23008, "no such feature"))
	defer srv.Close()

	if err := testClient(srv).DeleteFeature(context.Background(), "volunteer", "ghost"); err != nil {
		t.Fatalf("DeleteFeature: %v", err)
	}
}

func TestQueryFeatureList(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("queryFeatureList", []Feature{
		{FeatureID: "f1", FeatureInfo: "张三"},
		{FeatureID: "f2", FeatureInfo: "李四"},
	}))
	defer srv.Close()

	features, err := testClient(srv).QueryFeatureList(context.Background(), "volunteer")
	if err != nil {
		t.Fatalf("QueryFeatureList: %v", err)
	}
	if len(features) != 2 || features[0].FeatureID != "f1" || features[1].FeatureInfo != "李四" {
		t.Errorf("features = %+v", features)
	}
	if fn := (*recorded)[0].fn; fn != "queryFeatureList" {
		t.Errorf("func = %q, want queryFeatureList", fn)
	}
	if _, ok := (*recorded)[0].params["queryFeatureListRes"]; !ok {
		t.Error("request missing queryFeatureListRes block")
	}
}

func TestQueryFeatureList_EmptyGroup(t *testing.T) {
	srv, _, _ := newVendorServer(t, vendorError(23007, "this groupId is empty"))
	defer srv.Close()

	features, err := testClient(srv).QueryFeatureList(context.Background(), "volunteer")
	if err != nil {
		t.Fatalf("empty group treated as error: %v", err)
	}
	if len(features) != 0 {
		t.Errorf("features = %+v, want none", features)
	}
}

func TestSearchFeature_ResultShapes(t *testing.T) {
	shapes := []struct {
		name   string
		result any
	}{
		{"bare array", []Match{{FeatureID: "f2", Score: 0.31}, {FeatureID: "f1", Score: 0.92}}},
		{"data object", map[string]any{"data": []Match{{FeatureID: "f2", Score: 0.31}, {FeatureID: "f1", Score: 0.92}}}},
		{"scoreList object", map[string]any{"scoreList": []Match{{FeatureID: "f2", Score: 0.31}, {FeatureID: "f1", Score: 0.92}}}},
	}
	for _, tc := range shapes {
		t.Run(tc.name, func(t *testing.T) {
			srv, _, _ := newVendorServer(t, vendorResponse("searchFea", tc.result))
			defer srv.Close()

			matches, err := testClient(srv).SearchFeature(context.Background(), "volunteer", 3, sample(MinAudioBytes))
			if err != nil {
				t.Fatalf("SearchFeature: %v", err)
			}
			if len(matches) != 2 {
				t.Fatalf("matches = %+v, want 2", matches)
			}
			if matches[0].FeatureID != "f1" || matches[0].Score != 0.92 {
				t.Errorf("best match = %+v, want f1 at 0.92", matches[0])
			}
		})
	}
}

func TestSearchFeature_RawTextResult(t *testing.T) {
	raw := `{"header":{"code":0},"payload":{"searchFeaRes":{"text":"[{\"featureId\":\"f1\",\"score\":0.8}]"}}}`
	srv, _, _ := newVendorServer(t, raw)
	defer srv.Close()

	matches, err := testClient(srv).SearchFeature(context.Background(), "volunteer", 1, sample(MinAudioBytes))
	if err != nil {
		t.Fatalf("SearchFeature: %v", err)
	}
	if len(matches) != 1 || matches[0].FeatureID != "f1" {
		t.Errorf("matches = %+v", matches)
	}
}

func TestSearchFeatureFile(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("searchFea", []Match{{FeatureID: "f1", Score: 0.9}}))
	defer srv.Close()

	pcm := sample(MinAudioBytes)
	path := t.TempDir() + "/voice.wav"
	if err := audio.WriteWAVFile(path, pcm, audio.DefaultFormat()); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}

	matches, err := testClient(srv).SearchFeatureFile(context.Background(), "volunteer", 1, path)
	if err != nil {
		t.Fatalf("SearchFeatureFile: %v", err)
	}
	if len(matches) != 1 || matches[0].FeatureID != "f1" {
		t.Fatalf("matches = %+v", matches)
	}
	if got := len((*recorded)[0].audio); got != len(pcm) {
		t.Errorf("sent %d audio bytes, want %d", got, len(pcm))
	}
}

func TestSearchFeature_NewSearchAbortsInFlight(t *testing.T) {
	firstArrived := make(chan struct{})
	firstCancelled := make(chan struct{})
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			// the server only watches for client disconnects once the body
			// has been consumed, so drain it before blocking on the context
			_, _ = io.Copy(io.Discard, r.Body)
			close(firstArrived)
			<-r.Context().Done()
			close(firstCancelled)
			return
		}
		fmt.Fprint(w, vendorResponse("searchFea", []Match{{FeatureID: "f2", Score: 0.8}}))
	}))
	defer srv.Close()
	client := testClient(srv)

	firstErr := make(chan error, 1)
	go func() {
		_, err := client.SearchFeature(context.Background(), "volunteer", 1, sample(MinAudioBytes))
		firstErr <- err
	}()
	<-firstArrived

	// the second search supersedes the one still waiting on the server
	matches, err := client.SearchFeature(context.Background(), "volunteer", 1, sample(MinAudioBytes))
	if err != nil {
		t.Fatalf("second SearchFeature: %v", err)
	}
	if len(matches) != 1 || matches[0].FeatureID != "f2" {
		t.Fatalf("matches = %+v", matches)
	}

	select {
	case <-firstCancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight request kept running")
	}
	if err := <-firstErr; err == nil {
		t.Fatal("superseded search reported no error")
	}
}

func TestSearchFeatureFileRejectsWrongFormat(t *testing.T) {
	srv, _, calls := newVendorServer(t, vendorResponse("searchFea", nil))
	defer srv.Close()

	path := t.TempDir() + "/stereo.wav"
	format := audio.Format{SampleRate: 44100, Channels: 2, BitDepth: 16}
	if err := audio.WriteWAVFile(path, sample(MinAudioBytes), format); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}

	if _, err := testClient(srv).SearchFeatureFile(context.Background(), "volunteer", 1, path); err == nil {
		t.Fatal("non-16kHz-mono file accepted")
	}
	if n := atomic.LoadInt64(calls); n != 0 {
		t.Errorf("made %d network calls, want 0", n)
	}
}

func TestSearchScoreFeature(t *testing.T) {
	srv, recorded, _ := newVendorServer(t, vendorResponse("searchScoreFea", map[string]float64{"score": 0.77}))
	defer srv.Close()

	score, err := testClient(srv).SearchScoreFeature(context.Background(), "volunteer", "f1", sample(MinAudioBytes))
	if err != nil {
		t.Fatalf("SearchScoreFeature: %v", err)
	}
	if score != 0.77 {
		t.Errorf("score = %v, want 0.77", score)
	}
	if dst := (*recorded)[0].params["dstFeatureId"]; dst != "f1" {
		t.Errorf("dstFeatureId = %v, want f1", dst)
	}
}

func TestPrepareAudio_OddByteTrimmed(t *testing.T) {
	pcm, err := prepareAudio(sample(MinAudioBytes + 1))
	if err != nil {
		t.Fatalf("prepareAudio: %v", err)
	}
	if len(pcm)%2 != 0 {
		t.Errorf("length %d is odd", len(pcm))
	}
}
