package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"proofreel/internal/logging"
)

func discardLogger() *slog.Logger { return logging.NewNop() }

func newTestLocalHost(t *testing.T, clock *time.Time) *LocalHost {
	t.Helper()
	h, err := NewLocalHost(t.TempDir(), "http://127.0.0.1:8080/", []byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	h.Now = func() time.Time { return *clock }
	return h
}

func TestLocalHostChunkedUpload(t *testing.T) {
	now := time.Now().UTC()
	host := newTestLocalHost(t, &now)
	o := &Orchestrator{Host: host, Threshold: 4, ChunkSize: 4, Backoff: []time.Duration{0}, Logger: discardLogger()}
	ctx := context.Background()
	payload := []byte("0123456789")

	plan, err := o.BeginUpload(ctx, int64(len(payload)), "poster.png", "wi-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plan.UploadURL, "http://127.0.0.1:8080/v0/uploads/"+plan.SessionID+"?token=") {
		t.Fatalf("unexpected upload url %s", plan.UploadURL)
	}
	if s, err := host.Session(ctx, plan.SessionID); err != nil || s.Ref != "wi-1" {
		t.Fatalf("session must keep its ref: %+v %v", s, err)
	}
	handle, err := o.Upload(ctx, &plan, bytes.NewReader(payload), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	f, asset, err := host.Open(ctx, handle)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, payload) || asset.Size != 10 || asset.Title != "poster.png" {
		t.Fatalf("asset mismatch: %q %+v", got, asset)
	}
	if _, err := host.Session(ctx, plan.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("completed session must be gone, got %v", err)
	}
}

func TestLocalHostRejectsWrongOffsetAndOverflow(t *testing.T) {
	now := time.Now().UTC()
	host := newTestLocalHost(t, &now)
	ctx := context.Background()
	s, _ := host.CreateResumableSession(ctx, 4, "x", "")

	if _, err := host.Write(ctx, s.ID, 2, strings.NewReader("ab")); !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("expected offset mismatch, got %v", err)
	}
	if _, err := host.Write(ctx, s.ID, 0, strings.NewReader("abcdef")); err == nil {
		t.Fatal("expected overflow error")
	}
	if _, err := host.Complete(ctx, s.ID); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected incomplete, got %v", err)
	}
	if _, err := host.Write(ctx, "../../etc/passwd", 0, strings.NewReader("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected unknown session, got %v", err)
	}
}

func TestLocalHostSignedAccess(t *testing.T) {
	now := time.Now().UTC()
	host := newTestLocalHost(t, &now)
	ctx := context.Background()
	s, _ := host.CreateUploadTarget(ctx, 3, "logo.svg", "")
	if _, err := host.Write(ctx, s.ID, 0, strings.NewReader("svg")); err != nil {
		t.Fatal(err)
	}
	asset, err := host.Complete(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := host.CreateSignedAccess(ctx, asset.Handle, ActionPreview, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token := raw[strings.Index(raw, "token=")+len("token="):]
	if err := host.VerifyToken(token, asset.Handle, PurposeContent); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := host.VerifyToken(token, asset.Handle, PurposeUpload); err == nil {
		t.Fatal("content token must not authorize uploads")
	}
	if err := host.VerifyToken(token, "other", PurposeContent); err == nil {
		t.Fatal("token must be bound to its handle")
	}
	now = now.Add(2 * time.Hour)
	if err := host.VerifyToken(token, asset.Handle, PurposeContent); err == nil {
		t.Fatal("expired token must be rejected")
	}
	if err := host.DeleteAsset(ctx, asset.Handle); err != nil {
		t.Fatal(err)
	}
	if _, err := host.GetAsset(ctx, asset.Handle); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected deleted asset, got %v", err)
	}
}

func TestReconcilerAbortsStaleSessions(t *testing.T) {
	now := time.Now().UTC()
	host := newTestLocalHost(t, &now)
	ctx := context.Background()
	stale, _ := host.CreateResumableSession(ctx, 100, "stale", "")
	now = now.Add(23 * time.Hour)
	fresh, _ := host.CreateResumableSession(ctx, 100, "fresh", "")
	now = now.Add(2 * time.Hour)

	r := Reconciler{Host: host, Retention: 24 * time.Hour, Logger: discardLogger(), Now: func() time.Time { return now }}
	aborted, err := r.Sweep(ctx)
	if err != nil || aborted != 1 {
		t.Fatalf("sweep: %d %v", aborted, err)
	}
	sessions, _ := host.Sessions(ctx)
	if len(sessions) != 1 || sessions[0].ID != fresh.ID {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if _, err := host.Session(ctx, stale.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stale session still open: %v", err)
	}
}
