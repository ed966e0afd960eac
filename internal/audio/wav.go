package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVHeaderSize is the fixed linear-PCM container header length: RIFF, fmt
// and data chunks with no extensions.
const WAVHeaderSize = 44

var riffMagic = []byte("RIFF")

// HasWAVHeader reports whether data starts with a RIFF container header.
func HasWAVHeader(data []byte) bool {
	return len(data) > WAVHeaderSize && bytes.HasPrefix(data, riffMagic)
}

// StripWAVHeader returns the raw PCM payload, skipping the fixed container
// header when the magic prefix is present. The vendor voiceprint API accepts
// PCM only, so file-sourced audio passes through here before encoding.
func StripWAVHeader(data []byte) []byte {
	if HasWAVHeader(data) {
		return data[WAVHeaderSize:]
	}
	return data
}

// Format describes the PCM layout of a WAV payload.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is the layout used throughout the assistant.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

// WriteWAVFile wraps raw 16-bit little-endian PCM in a WAV container and
// writes it to path.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	if f.BitDepth != 16 {
		return fmt.Errorf("wav: unsupported bit depth %d", f.BitDepth)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wav: create %s: %w", path, err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, f.SampleRate, f.BitDepth, f.Channels, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           bytesToInts(pcm),
		SourceBitDepth: f.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wav: write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wav: finalize %s: %w", path, err)
	}
	return nil
}

// ReadWAVFile parses a WAV file and returns its raw PCM payload and format.
func ReadWAVFile(path string) ([]byte, Format, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("wav: open %s: %w", path, err)
	}
	defer in.Close()

	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("wav: %s is not a valid wav file", path)
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("wav: decode %s: %w", path, err)
	}
	f := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if f.BitDepth != 16 {
		return nil, Format{}, fmt.Errorf("wav: unsupported bit depth %d in %s", f.BitDepth, path)
	}
	return intsToBytes(pb.Data), f, nil
}

func bytesToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2])))
	}
	return out
}

func intsToBytes(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(int16(s)))
	}
	return out
}
