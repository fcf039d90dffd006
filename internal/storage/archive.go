package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/types"
	"go.uber.org/zap"
)

const auditPrefix = "audit/admin-keys/"

// AuditSource reads the admin key audit logs.
type AuditSource interface {
	AttemptsSince(ctx context.Context, since time.Time) ([]types.AdminKeyAttempt, error)
	HistorySince(ctx context.Context, since time.Time) ([]types.AdminKeyHistory, error)
}

// ArchiveResult describes one uploaded archive.
type ArchiveResult struct {
	Key      string
	Attempts int
	History  int
	Bytes    int
}

// AuditArchiver exports admin key attempts and history as JSON lines.
type AuditArchiver struct {
	source  AuditSource
	objects ObjectStorage
	now     func() time.Time
}

func NewAuditArchiver(source AuditSource, objects ObjectStorage) *AuditArchiver {
	return &AuditArchiver{source: source, objects: objects, now: time.Now}
}

type auditLine struct {
	Type    string                 `json:"type"`
	Attempt *types.AdminKeyAttempt `json:"attempt,omitempty"`
	History *types.AdminKeyHistory `json:"history,omitempty"`
}

// Archive uploads every attempt and history entry recorded at or after
// since to audit/admin-keys/<timestamp>.jsonl.
func (a *AuditArchiver) Archive(ctx context.Context, since time.Time) (ArchiveResult, error) {
	log := logger.From(ctx).With(logger.Component("audit_archive"))

	attempts, err := a.source.AttemptsSince(ctx, since)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("load attempts: %w", err)
	}
	history, err := a.source.HistorySince(ctx, since)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("load history: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range attempts {
		if err := enc.Encode(auditLine{Type: "attempt", Attempt: &attempts[i]}); err != nil {
			return ArchiveResult{}, fmt.Errorf("encode attempt: %w", err)
		}
	}
	for i := range history {
		if err := enc.Encode(auditLine{Type: "history", History: &history[i]}); err != nil {
			return ArchiveResult{}, fmt.Errorf("encode history: %w", err)
		}
	}

	if err := a.objects.EnsureBucket(ctx); err != nil {
		return ArchiveResult{}, fmt.Errorf("ensure bucket: %w", err)
	}

	key := auditPrefix + a.now().UTC().Format("20060102T150405Z") + ".jsonl"
	size := buf.Len()
	if err := a.objects.Put(ctx, key, &buf, int64(size), "application/x-ndjson"); err != nil {
		return ArchiveResult{}, fmt.Errorf("upload %s: %w", key, err)
	}

	log.Info("audit archive uploaded",
		zap.String("bucket", a.objects.Bucket()),
		zap.String("key", key),
		zap.Int("attempts", len(attempts)),
		zap.Int("history", len(history)),
	)

	return ArchiveResult{Key: key, Attempts: len(attempts), History: len(history), Bytes: size}, nil
}
