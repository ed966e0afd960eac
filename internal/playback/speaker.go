package playback

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	beepwav "github.com/faiface/beep/wav"
)

// sampleRate matches the pipeline audio format end to end.
const sampleRate beep.SampleRate = 16000

var initOnce sync.Once
var initErr error

// Init opens the output device. Safe to call more than once.
func Init() error {
	initOnce.Do(func() {
		initErr = speaker.Init(sampleRate, sampleRate.N(time.Second/10))
	})
	return initErr
}

// pcmStreamer adapts a channel of 16kHz/16-bit mono PCM chunks to a beep
// stream. An open but momentarily empty channel plays silence so the device
// never underruns; a closed channel ends the stream once drained.
type pcmStreamer struct {
	ch     <-chan []byte
	buf    []byte
	closed bool
}

func (s *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	i := 0
	for i < len(samples) {
		if len(s.buf) >= 2 {
			v := float64(int16(binary.LittleEndian.Uint16(s.buf))) / 32768
			s.buf = s.buf[2:]
			samples[i] = [2]float64{v, v}
			i++
			continue
		}
		if s.closed {
			if i == 0 {
				return 0, false
			}
			padSilence(samples[i:])
			return len(samples), false
		}
		select {
		case chunk, ok := <-s.ch:
			if !ok {
				s.closed = true
				continue
			}
			s.buf = append(s.buf, chunk...)
		default:
			// starved but still live, pad with silence
			padSilence(samples[i:])
			return len(samples), true
		}
	}
	return len(samples), true
}

func padSilence(samples [][2]float64) {
	for i := range samples {
		samples[i] = [2]float64{}
	}
}

func (s *pcmStreamer) Err() error { return nil }

// PlayStream plays PCM chunks as they arrive and returns a channel closed
// when the stream has finished.
func PlayStream(pcmCh <-chan []byte) (<-chan struct{}, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	done := make(chan struct{})
	speaker.Play(beep.Seq(&pcmStreamer{ch: pcmCh}, beep.Callback(func() {
		close(done)
	})))
	return done, nil
}

// PlayFile plays a WAV file to completion, resampling if its rate differs
// from the pipeline rate.
func PlayFile(path string) error {
	if err := Init(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("playback: open %s: %w", path, err)
	}
	streamer, format, err := beepwav.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("playback: decode %s: %w", path, err)
	}
	defer streamer.Close()

	var stream beep.Streamer = streamer
	if format.SampleRate != sampleRate {
		stream = beep.Resample(4, format.SampleRate, sampleRate, streamer)
	}
	done := make(chan struct{})
	speaker.Play(beep.Seq(stream, beep.Callback(func() {
		close(done)
	})))
	<-done
	return nil
}
