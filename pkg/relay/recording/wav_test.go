package recording

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestSink_HeaderAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u.wav")
	s, err := Open(path, UserSampleRate)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	first := bytes.Repeat([]byte{0x01, 0x02}, 100)
	second := bytes.Repeat([]byte{0x03, 0x04}, 50)
	if _, err := s.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := s.Write(second); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := s.Bytes(); got != 300 {
		t.Fatalf("Bytes()=%d, want 300", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	info, data, err := readWAV(path)
	if err != nil {
		t.Fatalf("readWAV() error = %v", err)
	}
	if info.SampleRate != UserSampleRate || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Fatalf("info=%+v", info)
	}
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(data, want) {
		t.Fatalf("data mismatch: got %d bytes, want %d", len(data), len(want))
	}

	raw, _ := os.ReadFile(path)
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 36+300 {
		t.Fatalf("riff size=%d, want %d", got, 36+300)
	}
	if got := binary.LittleEndian.Uint32(raw[28:32]); got != UserSampleRate*2 {
		t.Fatalf("byte rate=%d", got)
	}
}

func TestSink_EmptyRecordingIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.wav")
	s, err := Open(path, ProviderSampleRate)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	info, data, err := readWAV(path)
	if err != nil {
		t.Fatalf("readWAV() error = %v", err)
	}
	if info.SampleRate != ProviderSampleRate || len(data) != 0 {
		t.Fatalf("info=%+v len=%d", info, len(data))
	}
}

func TestSink_CloseIsIdempotentAndWriteAfterCloseFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "x.wav"), UserSampleRate)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := s.Write([]byte{1, 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after close err=%v, want ErrClosed", err)
	}
}

func TestSink_OddLengthIsPadded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.wav")
	s, err := Open(path, UserSampleRate)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_, _ = s.Write([]byte{1, 2, 3})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	info, data, err := readWAV(path)
	if err != nil {
		t.Fatalf("readWAV() error = %v", err)
	}
	if info.DataBytes != 3 || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("info=%+v data=%v", info, data)
	}
	st, _ := os.Stat(path)
	if st.Size() != HeaderSize+4 {
		t.Fatalf("file size=%d, want %d", st.Size(), HeaderSize+4)
	}
}

func TestOpenPair_NamesAndRates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	p, err := OpenPair(dir, "abc")
	if err != nil {
		t.Fatalf("OpenPair() error = %v", err)
	}
	if p.User.Path() != filepath.Join(dir, "abc_user.wav") {
		t.Fatalf("user path=%q", p.User.Path())
	}
	if p.Provider.Path() != filepath.Join(dir, "abc_gemini.wav") {
		t.Fatalf("provider path=%q", p.Provider.Path())
	}
	if p.User.SampleRate() != 16000 || p.Provider.SampleRate() != 24000 {
		t.Fatalf("rates user=%d provider=%d", p.User.SampleRate(), p.Provider.SampleRate())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("expected 2 recordings, got %d entries", len(entries))
	}
}

func TestOpen_RejectsBadRate(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.wav"), 0); err == nil {
		t.Fatalf("expected error")
	}
}

// wavInfo describes a WAV file read back by readWAV.
type wavInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int
}

// readWAV parses a canonical 44-byte-header PCM WAV file and returns its
// format and sample data.
func readWAV(path string) (wavInfo, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return wavInfo{}, nil, err
	}
	if len(raw) < HeaderSize || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" || string(raw[36:40]) != "data" {
		return wavInfo{}, nil, fmt.Errorf("recording: %s is not a canonical wav file", path)
	}
	info := wavInfo{
		Channels:      int(binary.LittleEndian.Uint16(raw[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(raw[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(raw[34:36])),
		DataBytes:     int(binary.LittleEndian.Uint32(raw[40:44])),
	}
	if HeaderSize+info.DataBytes > len(raw) {
		return info, nil, fmt.Errorf("recording: %s: %w", path, io.ErrUnexpectedEOF)
	}
	return info, raw[HeaderSize : HeaderSize+info.DataBytes], nil
}
