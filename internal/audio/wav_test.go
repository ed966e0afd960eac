package audio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
)

func TestWAV_RoundTrip(t *testing.T) {
	pcm := sinePCM(440, 6000, 250)
	path := filepath.Join(t.TempDir(), "roundtrip.wav")

	f := DefaultFormat()
	if err := WriteWAVFile(path, pcm, f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, gotFmt, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm payload not byte-identical: %d vs %d bytes", len(got), len(pcm))
	}
	if gotFmt != f {
		t.Fatalf("format = %+v, want %+v", gotFmt, f)
	}
}

func TestStripWAVHeader(t *testing.T) {
	pcm := sinePCM(440, 6000, 100)

	// build a containered buffer by hand and strip it
	var file bytes.Buffer
	header := make([]byte, WAVHeaderSize)
	copy(header, "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(len(pcm)+36))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], 1)
	binary.LittleEndian.PutUint32(header[24:], 16000)
	binary.LittleEndian.PutUint32(header[28:], 32000)
	binary.LittleEndian.PutUint16(header[32:], 2)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(len(pcm)))
	file.Write(header)
	file.Write(pcm)

	stripped := StripWAVHeader(file.Bytes())
	if !bytes.Equal(stripped, pcm) {
		t.Fatal("StripWAVHeader must return the raw payload")
	}

	// raw PCM passes through untouched
	if !bytes.Equal(StripWAVHeader(pcm), pcm) {
		t.Fatal("raw PCM must pass through unchanged")
	}
}
