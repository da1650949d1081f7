package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeHost struct {
	mu       sync.Mutex
	sessions map[string]*Session
	assets   map[string]Asset
	failures map[int64]int
	writes   int
	aborted  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{sessions: map[string]*Session{}, assets: map[string]Asset{}, failures: map[int64]int{}}
}

func (h *fakeHost) create(size int64, title, ref string, resumable bool) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Session{ID: uuid.NewString(), Ref: ref, Title: title, Size: size, Resumable: resumable, CreatedAt: time.Now()}
	h.sessions[s.ID] = s
	return *s, nil
}

func (h *fakeHost) CreateUploadTarget(_ context.Context, size int64, title, ref string) (Session, error) {
	return h.create(size, title, ref, false)
}

func (h *fakeHost) CreateResumableSession(_ context.Context, size int64, title, ref string) (Session, error) {
	return h.create(size, title, ref, true)
}

func (h *fakeHost) Write(_ context.Context, id string, offset int64, r io.Reader) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes++
	s, ok := h.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if offset != s.Offset {
		return s.Offset, ErrOffsetMismatch
	}
	if h.failures[offset] > 0 {
		h.failures[offset]--
		return s.Offset, fmt.Errorf("host unavailable")
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return s.Offset, err
	}
	s.Offset += n
	return s.Offset, nil
}

func (h *fakeHost) Complete(_ context.Context, id string) (Asset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return Asset{}, ErrSessionNotFound
	}
	if s.Offset != s.Size {
		return Asset{}, ErrIncomplete
	}
	delete(h.sessions, id)
	a := Asset{Handle: uuid.NewString(), Title: s.Title, Size: s.Size, State: AssetReady}
	h.assets[a.Handle] = a
	return a, nil
}

func (h *fakeHost) Abort(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(h.sessions, id)
	h.aborted = append(h.aborted, id)
	return nil
}

func (h *fakeHost) Session(_ context.Context, id string) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

func (h *fakeHost) Sessions(context.Context) ([]Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Session
	for _, s := range h.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (h *fakeHost) GetAsset(_ context.Context, handle string) (Asset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.assets[handle]
	if !ok {
		return Asset{}, ErrAssetNotFound
	}
	return a, nil
}

func (h *fakeHost) CreateSignedAccess(_ context.Context, handle string, action Action, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://cdn.example/%s?action=%s&ttl=%d", handle, action, int(ttl.Seconds())), nil
}

func (h *fakeHost) DeleteAsset(_ context.Context, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.assets, handle)
	return nil
}

type zeros struct{}

func (zeros) ReadAt(p []byte, _ int64) (int, error) {
	clear(p)
	return len(p), nil
}

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

const mb = 1_000_000

func newTestOrchestrator(host Host, sleeper *sleepRecorder) *Orchestrator {
	return &Orchestrator{
		Host:      host,
		Threshold: 50 * mb,
		ChunkSize: 50 * mb,
		Backoff:   []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second},
		Sleep:     sleeper.sleep,
		Logger:    discardLogger(),
	}
}

func TestBeginUploadThreshold(t *testing.T) {
	o := newTestOrchestrator(newFakeHost(), &sleepRecorder{})
	direct, err := o.BeginUpload(context.Background(), 50*mb, "exact threshold", "wi-1")
	if err != nil || direct.Mode != ModeDirect || direct.Chunks != 1 {
		t.Fatalf("expected direct upload at threshold: %+v %v", direct, err)
	}
	resumable, err := o.BeginUpload(context.Background(), 50*mb+1, "just above", "wi-1")
	if err != nil || resumable.Mode != ModeResumable || resumable.Chunks != 2 {
		t.Fatalf("expected resumable upload above threshold: %+v %v", resumable, err)
	}
}

func TestResumableUploadRetriesFailedChunk(t *testing.T) {
	host := newFakeHost()
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(host, sleeper)
	ctx := context.Background()

	plan, err := o.BeginUpload(ctx, 300*mb, "final cut", "wi-1")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Chunks != 6 {
		t.Fatalf("expected 6 chunks, got %d", plan.Chunks)
	}
	host.failures[100*mb] = 2

	var updates []Progress
	handle, err := o.Upload(ctx, &plan, zeros{}, func(p Progress) { updates = append(updates, p) })
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if handle == "" {
		t.Fatal("expected media handle")
	}
	if host.writes != 8 {
		t.Fatalf("expected 8 writes, got %d", host.writes)
	}
	if len(sleeper.waits) != 2 || sleeper.waits[0] != time.Second || sleeper.waits[1] != 3*time.Second {
		t.Fatalf("unexpected backoff waits %v", sleeper.waits)
	}
	if len(updates) != 6 || updates[5].Sent != 300*mb || updates[2].Chunk != 3 {
		t.Fatalf("unexpected progress %+v", updates)
	}
}

func TestUploadFailureLeavesSessionResumable(t *testing.T) {
	host := newFakeHost()
	o := newTestOrchestrator(host, &sleepRecorder{})
	ctx := context.Background()

	plan, _ := o.BeginUpload(ctx, 120*mb, "teaser", "wi-1")
	host.failures[50*mb] = 4
	_, err := o.Upload(ctx, &plan, zeros{}, nil)
	var uerr *UploadError
	if !errors.As(err, &uerr) || !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if uerr.Offset != 50*mb || !uerr.Resumable || uerr.SessionID != plan.SessionID {
		t.Fatalf("unexpected upload error %+v", uerr)
	}
	if len(host.aborted) != 0 {
		t.Fatal("failed upload must not abort the session")
	}

	foreign := plan
	foreign.Ref = "wi-2"
	if _, err := o.Resume(ctx, &foreign, zeros{}, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected a session of another item to be rejected, got %v", err)
	}

	handle, err := o.Resume(ctx, &plan, zeros{}, nil)
	if err != nil || handle == "" {
		t.Fatalf("resume: %q %v", handle, err)
	}
}

func TestCancelledUploadAbortsSession(t *testing.T) {
	host := newFakeHost()
	o := newTestOrchestrator(host, &sleepRecorder{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plan, _ := o.BeginUpload(ctx, 150*mb, "rough cut", "wi-1")
	_, err := o.Upload(ctx, &plan, zeros{}, func(p Progress) {
		if p.Chunk == 1 {
			cancel()
		}
	})
	if !errors.Is(err, ErrUploadCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(host.aborted) != 1 || host.aborted[0] != plan.SessionID {
		t.Fatalf("expected session abort, got %v", host.aborted)
	}
}

func TestResolverErrorsAndSigning(t *testing.T) {
	host := newFakeHost()
	host.assets["ready"] = Asset{Handle: "ready", State: AssetReady, RequiresSigning: true}
	host.assets["public"] = Asset{Handle: "public", State: AssetReady, PublicURL: "https://cdn.example/public.mp4"}
	host.assets["encoding"] = Asset{Handle: "encoding", State: AssetProcessing, RequiresSigning: true}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Resolver{Host: host, TTL: 3600 * time.Second, Now: func() time.Time { return now }}
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "missing", ActionPreview); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.Resolve(ctx, "encoding", ActionPreview); !errors.Is(err, ErrAssetNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	pub, err := r.Resolve(ctx, "public", ActionDownload)
	if err != nil || pub.URL != "https://cdn.example/public.mp4" || pub.Signed {
		t.Fatalf("public asset: %+v %v", pub, err)
	}
	signed, err := r.Resolve(ctx, "ready", ActionDownload)
	if err != nil || !signed.Signed || signed.URL != "https://cdn.example/ready?action=download&ttl=3600" {
		t.Fatalf("signed asset: %+v %v", signed, err)
	}
	if !signed.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", signed.ExpiresAt)
	}
}
