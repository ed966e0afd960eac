package audio

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const captureFrames = 640 // 40ms of samples per read at 16kHz

// InitHost initializes the portaudio host layer. Call once at startup.
func InitHost() error {
	return portaudio.Initialize()
}

// TerminateHost releases the portaudio host layer.
func TerminateHost() {
	_ = portaudio.Terminate()
}

// Capture wraps the default microphone as a stream of 16kHz/16-bit mono PCM
// chunks. A missing or unusable input device surfaces as an error from Start,
// before any network activity.
type Capture struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	samples []int16
	chunks  chan []byte
	stopCh  chan struct{}
	running bool
}

// NewCapture prepares a capture source; the device is opened on Start.
func NewCapture() *Capture {
	return &Capture{
		samples: make([]int16, captureFrames),
		chunks:  make(chan []byte, 64),
		stopCh:  make(chan struct{}),
	}
}

// Chunks delivers captured PCM in arrival order. The channel is closed after
// Stop once the read loop has drained.
func (c *Capture) Chunks() <-chan []byte { return c.chunks }

// Start opens the default input device and begins reading.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, 16000, len(c.samples), c.samples)
	if err != nil {
		return fmt.Errorf("audio: open input device: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start input stream: %w", err)
	}
	c.stream = stream
	c.running = true
	go c.readLoop(stream)
	return nil
}

func (c *Capture) readLoop(stream *portaudio.Stream) {
	defer close(c.chunks)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			log.Printf("audio: read error: %v", err)
			return
		}
		buf := make([]byte, len(c.samples)*2)
		for i, s := range c.samples {
			binary.LittleEndian.PutUint16(buf[2*i:2*i+2], uint16(s))
		}
		select {
		case c.chunks <- buf:
		default:
			// consumer stalled; dropping is preferable to unbounded growth
		}
	}
}

// Stop halts capture and closes the device.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
		c.stream = nil
	}
}
