package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestObjectName(t *testing.T) {
	start := time.Date(2024, time.March, 7, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	got := ObjectName(start, "sess-1", KindUser)
	if got != "calls/2024/03/08/sess-1/user.wav" {
		t.Fatalf("ObjectName()=%q", got)
	}
	if got := ObjectName(start, "sess-1", KindGemini); got != "calls/2024/03/08/sess-1/gemini.wav" {
		t.Fatalf("ObjectName()=%q", got)
	}
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3_Persist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(path, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	put := &fakePutter{}
	s := &S3{client: put, bucket: "recordings"}

	if err := s.Persist(context.Background(), path, "calls/2024/01/01/x/user.wav"); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if aws.ToString(put.input.Bucket) != "recordings" || aws.ToString(put.input.Key) != "calls/2024/01/01/x/user.wav" {
		t.Fatalf("input=%+v", put.input)
	}
	if aws.ToString(put.input.ContentType) != ContentTypeWAV || aws.ToInt64(put.input.ContentLength) != 8 {
		t.Fatalf("content type=%q length=%d", aws.ToString(put.input.ContentType), aws.ToInt64(put.input.ContentLength))
	}
	if string(put.body) != "RIFFdata" {
		t.Fatalf("body=%q", put.body)
	}
}

func TestS3_PersistErrors(t *testing.T) {
	s := &S3{client: &fakePutter{}, bucket: "b"}
	if err := s.Persist(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), "k"); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "a.wav")
	_ = os.WriteFile(path, []byte("x"), 0o644)
	boom := errors.New("access denied")
	s = &S3{client: &fakePutter{err: boom}, bucket: "b"}
	if err := s.Persist(context.Background(), path, "k"); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped %v", err, boom)
	}
}

func TestNewBackends_RequireBucket(t *testing.T) {
	if _, err := NewGCS(context.Background(), ""); err == nil {
		t.Fatalf("NewGCS: expected error")
	}
	if _, err := NewS3(context.Background(), " ", "us-east-1"); err == nil {
		t.Fatalf("NewS3: expected error")
	}
}

func TestPersistFunc(t *testing.T) {
	var got string
	var p Persister = PersistFunc(func(ctx context.Context, localPath, objectName string) error {
		got = localPath + "->" + objectName
		return nil
	})
	_ = p.Persist(context.Background(), "a", "b")
	if got != "a->b" {
		t.Fatalf("got %q", got)
	}
}
