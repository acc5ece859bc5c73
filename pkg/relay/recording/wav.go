package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	UserSampleRate     = 16000
	ProviderSampleRate = 24000

	Channels      = 1
	BitsPerSample = 16
	HeaderSize    = 44
)

var ErrClosed = errors.New("recording: sink closed")

// Sink streams PCM into a WAV file. The header is written up front with zero
// sizes and patched on Close, so an interrupted process leaves a readable
// (if mis-sized) file behind.
//
// Write is meant to be called from a single goroutine.
type Sink struct {
	path       string
	sampleRate int

	f *os.File
	w *bufio.Writer

	mu        sync.Mutex
	closed    bool
	closeErr  error
	dataBytes int64
}

func Open(path string, sampleRate int) (*Sink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recording: invalid sample rate %d", sampleRate)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recording: open %s: %w", path, err)
	}
	s := &Sink{path: path, sampleRate: sampleRate, f: f, w: bufio.NewWriterSize(f, 64*1024)}
	if _, err := s.w.Write(header(sampleRate, 0)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("recording: write header: %w", err)
	}
	return s, nil
}

func (s *Sink) Path() string    { return s.path }
func (s *Sink) SampleRate() int { return s.sampleRate }

// Bytes reports how many PCM bytes have been appended so far.
func (s *Sink) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataBytes
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.w.Write(p)
	s.dataBytes += int64(n)
	if err != nil {
		return n, fmt.Errorf("recording: write %s: %w", s.path, err)
	}
	return n, nil
}

// Close flushes buffered audio, fixes up the header sizes and closes the
// file. Subsequent calls return the first result.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	s.closeErr = s.finish()
	return s.closeErr
}

func (s *Sink) finish() error {
	var errs []error
	padded := s.dataBytes
	if padded%2 == 1 {
		// RIFF chunks are word aligned.
		if err := s.w.WriteByte(0); err != nil {
			errs = append(errs, err)
		}
		padded++
	}
	if err := s.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("recording: flush %s: %w", s.path, err))
	}
	if len(errs) == 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(36+padded))
		if _, err := s.f.WriteAt(buf[:], 4); err != nil {
			errs = append(errs, fmt.Errorf("recording: patch riff size: %w", err))
		}
		binary.LittleEndian.PutUint32(buf[:], uint32(s.dataBytes))
		if _, err := s.f.WriteAt(buf[:], 40); err != nil {
			errs = append(errs, fmt.Errorf("recording: patch data size: %w", err))
		}
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recording: close %s: %w", s.path, err))
	}
	return errors.Join(errs...)
}

func header(sampleRate int, dataBytes uint32) []byte {
	blockAlign := Channels * BitsPerSample / 8
	h := make([]byte, HeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataBytes)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], Channels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], BitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataBytes)
	return h
}

// Pair holds the two recordings of one call session.
type Pair struct {
	User     *Sink
	Provider *Sink
}

func UserPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+"_user.wav")
}

func ProviderPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+"_gemini.wav")
}

// OpenPair creates both recordings for a session. On failure nothing is left
// on disk.
func OpenPair(dir, sessionID string) (*Pair, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create %s: %w", dir, err)
	}
	user, err := Open(UserPath(dir, sessionID), UserSampleRate)
	if err != nil {
		return nil, err
	}
	provider, err := Open(ProviderPath(dir, sessionID), ProviderSampleRate)
	if err != nil {
		_ = user.Close()
		_ = os.Remove(user.Path())
		return nil, err
	}
	return &Pair{User: user, Provider: provider}, nil
}

func (p *Pair) Close() error {
	return errors.Join(p.User.Close(), p.Provider.Close())
}
