// Package storage uploads finished recordings to durable object storage.
package storage

import (
	"context"
	"path"
	"time"
)

const ContentTypeWAV = "audio/wav"

// Recording kinds used in object names.
const (
	KindUser   = "user"
	KindGemini = "gemini"
)

// Persister copies a local file to remote storage under objectName. A nil
// error means the object is durable and the local file may be removed.
type Persister interface {
	Persist(ctx context.Context, localPath, objectName string) error
}

type PersistFunc func(ctx context.Context, localPath, objectName string) error

func (f PersistFunc) Persist(ctx context.Context, localPath, objectName string) error {
	return f(ctx, localPath, objectName)
}

// ObjectName returns calls/YYYY/MM/DD/<session-id>/<kind>.wav, dated by the
// session start in UTC.
func ObjectName(start time.Time, sessionID, kind string) string {
	return path.Join("calls", start.UTC().Format("2006/01/02"), sessionID, kind+".wav")
}
