package call

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/vango-go/vai-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/storage"
)

// finalize releases everything the call holds. It runs once per call no
// matter how the call ended, and never on a canceled context: recordings are
// persisted even during shutdown. The returned error means the client could
// not be told the call ended.
func (c *Controller) finalize(ctx context.Context, call *callSession, out outcome) error {
	var notifyErr error
	call.finalizeOnce.Do(func() {
		notifyErr = c.finish(context.WithoutCancel(ctx), call, out)
	})
	return notifyErr
}

func (c *Controller) finish(ctx context.Context, call *callSession, out outcome) error {
	logger := call.logger
	if err := call.upstream.Close(); err != nil {
		logger.Debug("upstream close", "error", err)
	}
	if err := call.rec.Close(); err != nil {
		logger.Error("failed to close recordings", "error", err)
	}

	rec := c.record(call)
	rec.EndedAt = c.now()
	rec.EndReason = out.reason
	if out.err != nil {
		rec.Error = out.err.Error()
	}
	rec.UserAudioBytes = call.rec.User.Bytes()
	rec.GeminiAudioBytes = call.rec.Provider.Bytes()

	if c.persister != nil {
		rec.UserObject = c.persist(ctx, logger, call.rec.User.Path(), storage.ObjectName(call.start, call.id, storage.KindUser), storage.KindUser)
		rec.GeminiObject = c.persist(ctx, logger, call.rec.Provider.Path(), storage.ObjectName(call.start, call.id, storage.KindGemini), storage.KindGemini)
	}

	call.release()

	if c.journal != nil {
		jctx, cancel := context.WithTimeout(ctx, c.cfg.JournalTimeout)
		err := c.journal.CallFinished(jctx, rec)
		cancel()
		if err != nil {
			logger.Warn("failed to journal call end", "error", err)
		}
	}
	duration := rec.EndedAt.Sub(call.start)
	c.observer.CallEnded(out.reason, duration)

	attrs := []any{
		"reason", string(out.reason),
		"duration_ms", duration.Milliseconds(),
		"user_audio_bytes", rec.UserAudioBytes,
		"gemini_audio_bytes", rec.GeminiAudioBytes,
	}
	if out.err != nil {
		logger.Warn("call ended with error", append(attrs, "error", out.err)...)
	} else {
		logger.Info("call ended", attrs...)
	}

	if err := c.sendSync(ctx, protocol.CallEnded(string(out.reason))); err != nil {
		if out.reason.keepsConnection() {
			logger.Info("could not deliver call_ended", "error", err)
		}
		return err
	}
	return nil
}

// persist uploads one recording and deletes the local copy on success. It
// returns the object name, or "" if the file stays on disk.
func (c *Controller) persist(ctx context.Context, logger *slog.Logger, localPath, objectName, kind string) string {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	err := c.persister.Persist(pctx, localPath, objectName)
	cancel()
	c.observer.RecordingPersisted(kind, err)
	if err != nil {
		logger.Error("failed to persist recording; keeping local file", "kind", kind, "path", localPath, "object", objectName, "error", err)
		return ""
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("persisted recording but could not remove local file", "kind", kind, "path", localPath, "error", err)
	}
	logger.Info("recording persisted", "kind", kind, "object", objectName)
	return objectName
}
