package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CabbageLeon/KunPeng/internal/audio"
	"github.com/CabbageLeon/KunPeng/internal/xfyun"
)

var testCredential = xfyun.Credential{AppID: "app", APIKey: "key", APISecret: "secret"}

// newSynthesisServer answers each session by checking the request frame and
// streaming the given PCM split into chunks.
func newSynthesisServer(t *testing.T, chunks [][]byte, errResponse string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req request
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if req.Data.Status != 2 {
			t.Errorf("request data.status = %d, want 2", req.Data.Status)
		}
		if req.Business.Aue != "raw" || req.Business.Tte != "utf8" {
			t.Errorf("request business = %+v", req.Business)
		}
		if _, err := base64.StdEncoding.DecodeString(req.Data.Text); err != nil {
			t.Errorf("request text not base64: %v", err)
		}

		if errResponse != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(errResponse))
			return
		}
		for i, chunk := range chunks {
			status := 1
			if i == len(chunks)-1 {
				status = 2
			}
			msg := fmt.Sprintf(`{"code":0,"data":{"audio":"%s","status":%d}}`,
				base64.StdEncoding.EncodeToString(chunk), status)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(Config{Credential: testCredential, Endpoint: wsURL(srv)})
}

func collect(t *testing.T, pcmCh <-chan []byte, errCh <-chan error) []byte {
	t.Helper()
	var pcm []byte
	for chunk := range pcmCh {
		pcm = append(pcm, chunk...)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("synthesis error: %v", err)
	}
	return pcm
}

func TestSynthesize_StreamsChunksInOrder(t *testing.T) {
	chunks := [][]byte{{1, 2, 3, 4}, {5, 6}, {7, 8, 9, 10}}
	srv := newSynthesisServer(t, chunks, "")
	defer srv.Close()

	pcmCh, errCh := testClient(srv).Synthesize(context.Background(), "你好，欢迎来到实验室")
	got := collect(t, pcmCh, errCh)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("received %d bytes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSynthesize_SavesUtteranceToOutDir(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	srv := newSynthesisServer(t, [][]byte{pcm[:1600], pcm[1600:]}, "")
	defer srv.Close()

	dir := t.TempDir()
	client := NewClient(Config{Credential: testCredential, Endpoint: wsURL(srv), OutDir: dir})
	pcmCh, errCh := client.Synthesize(context.Background(), "你好")
	streamed := collect(t, pcmCh, errCh)
	if len(streamed) != len(pcm) {
		t.Fatalf("streamed %d bytes, want %d", len(streamed), len(pcm))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("out dir holds %d files, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasSuffix(name, ".wav") {
		t.Errorf("saved file = %q, want .wav suffix", name)
	}
	saved, format, err := audio.ReadWAVFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if format != audio.DefaultFormat() {
		t.Errorf("saved format = %+v, want %+v", format, audio.DefaultFormat())
	}
	if len(saved) != len(pcm) {
		t.Errorf("saved %d PCM bytes, want %d", len(saved), len(pcm))
	}
}

func TestSynthesize_VendorError(t *testing.T) {
	srv := newSynthesisServer(t, nil, `{"code":10165,"message":"invalid handle","sid":"tts01"}`)
	defer srv.Close()

	pcmCh, errCh := testClient(srv).Synthesize(context.Background(), "你好")
	for range pcmCh {
	}
	err := <-errCh
	apiErr, ok := xfyun.IsAPIError(err)
	if !ok {
		t.Fatalf("error %v is not an API error", err)
	}
	if apiErr.Code != 10165 {
		t.Errorf("code = %d, want 10165", apiErr.Code)
	}
}

func TestSynthesize_EmptyTextRejected(t *testing.T) {
	srv := newSynthesisServer(t, nil, "")
	defer srv.Close()

	pcmCh, errCh := testClient(srv).Synthesize(context.Background(), "")
	for range pcmCh {
	}
	if err := <-errCh; err == nil {
		t.Fatal("empty text accepted")
	}
}

func TestSynthesize_RejectsConcurrentRequest(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req request
		_ = conn.ReadJSON(&req)
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"code":0,"data":{"audio":"","status":2}}`))
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(srv)
	firstPCM, firstErr := c.Synthesize(context.Background(), "第一句")

	// give the first session time to grab the slot
	time.Sleep(50 * time.Millisecond)
	pcmCh, errCh := c.Synthesize(context.Background(), "第二句")
	for range pcmCh {
	}
	if err := <-errCh; err == nil {
		t.Fatal("concurrent synthesis accepted")
	}

	release <- struct{}{}
	for range firstPCM {
	}
	if err := <-firstErr; err != nil {
		t.Fatalf("first synthesis failed: %v", err)
	}
}

func TestSynthesizeToFile(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	srv := newSynthesisServer(t, [][]byte{pcm[:1600], pcm[1600:]}, "")
	defer srv.Close()

	dir := t.TempDir()
	path, err := testClient(srv).SynthesizeToFile(context.Background(), "你好", dir)
	if err != nil {
		t.Fatalf("SynthesizeToFile: %v", err)
	}
	if !strings.HasSuffix(path, ".wav") {
		t.Errorf("path = %q, want .wav suffix", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	got, format, err := audio.ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if format != audio.DefaultFormat() {
		t.Errorf("file format = %+v, want %+v", format, audio.DefaultFormat())
	}
	if len(got) != len(pcm) {
		t.Errorf("file holds %d PCM bytes, want %d", len(got), len(pcm))
	}
}
