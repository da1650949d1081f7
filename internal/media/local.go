package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	PurposeUpload  = "upload"
	PurposeContent = "content"

	defaultUploadTTL = 24 * time.Hour
)

// LocalHost keeps sessions and assets on the filesystem and hands out
// HS256-signed URLs served by the HTTP server.
type LocalHost struct {
	Dir       string
	BaseURL   string
	Key       []byte
	UploadTTL time.Duration
	Now       func() time.Time

	mu sync.Mutex
}

func NewLocalHost(dir, baseURL string, key []byte) (*LocalHost, error) {
	if len(key) == 0 {
		return nil, errors.New("media signing key required")
	}
	for _, sub := range []string{"sessions", "assets"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &LocalHost{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/"), Key: key}, nil
}

func (h *LocalHost) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *LocalHost) sessionPath(id, ext string) string {
	return filepath.Join(h.Dir, "sessions", id+ext)
}

func (h *LocalHost) assetPath(handle, ext string) string {
	return filepath.Join(h.Dir, "assets", handle+ext)
}

// validID rejects anything that is not a uuid so ids never escape Dir.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (h *LocalHost) CreateUploadTarget(ctx context.Context, size int64, title, ref string) (Session, error) {
	return h.createSession(size, title, ref, false)
}

func (h *LocalHost) CreateResumableSession(ctx context.Context, size int64, title, ref string) (Session, error) {
	return h.createSession(size, title, ref, true)
}

func (h *LocalHost) createSession(size int64, title, ref string, resumable bool) (Session, error) {
	if size <= 0 {
		return Session{}, errors.New("upload size must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Session{
		ID:        uuid.NewString(),
		Ref:       ref,
		Title:     title,
		Size:      size,
		Resumable: resumable,
		CreatedAt: h.now(),
	}
	ttl := h.UploadTTL
	if ttl <= 0 {
		ttl = defaultUploadTTL
	}
	token, err := h.sign(s.ID, PurposeUpload, ttl)
	if err != nil {
		return Session{}, err
	}
	s.UploadURL = fmt.Sprintf("%s/v0/uploads/%s?token=%s", h.BaseURL, s.ID, url.QueryEscape(token))
	if err := os.WriteFile(h.sessionPath(s.ID, ".part"), nil, 0o644); err != nil {
		return Session{}, fmt.Errorf("create session file: %w", err)
	}
	if err := writeJSON(h.sessionPath(s.ID, ".json"), s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (h *LocalHost) loadSession(id string) (Session, error) {
	var s Session
	if !validID(id) {
		return s, ErrSessionNotFound
	}
	if err := readJSON(h.sessionPath(id, ".json"), &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, ErrSessionNotFound
		}
		return s, err
	}
	return s, nil
}

// Write appends r to the session at offset. Bytes past a previous partial
// write are discarded first so a retried chunk starts clean.
func (h *LocalHost) Write(ctx context.Context, sessionID string, offset int64, r io.Reader) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.loadSession(sessionID)
	if err != nil {
		return 0, err
	}
	if offset != s.Offset {
		return s.Offset, fmt.Errorf("%w: committed %d, got %d", ErrOffsetMismatch, s.Offset, offset)
	}
	f, err := os.OpenFile(h.sessionPath(sessionID, ".part"), os.O_WRONLY, 0o644)
	if err != nil {
		return s.Offset, err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return s.Offset, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return s.Offset, err
	}
	remaining := s.Size - offset
	n, err := io.Copy(f, io.LimitReader(readerWithContext{ctx: ctx, r: r}, remaining+1))
	if err != nil {
		return s.Offset, fmt.Errorf("write chunk: %w", err)
	}
	if n > remaining {
		return s.Offset, fmt.Errorf("chunk overflows declared size %d", s.Size)
	}
	s.Offset += n
	if err := writeJSON(h.sessionPath(sessionID, ".json"), s); err != nil {
		return offset, err
	}
	return s.Offset, nil
}

func (h *LocalHost) Complete(ctx context.Context, sessionID string) (Asset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.loadSession(sessionID)
	if err != nil {
		return Asset{}, err
	}
	if s.Offset != s.Size {
		return Asset{}, fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, s.Offset, s.Size)
	}
	a := Asset{
		Handle:          uuid.NewString(),
		Title:           s.Title,
		Size:            s.Size,
		State:           AssetReady,
		RequiresSigning: true,
		CreatedAt:       h.now(),
	}
	if err := os.Rename(h.sessionPath(sessionID, ".part"), h.assetPath(a.Handle, "")); err != nil {
		return Asset{}, fmt.Errorf("finalize asset: %w", err)
	}
	if err := writeJSON(h.assetPath(a.Handle, ".json"), a); err != nil {
		return Asset{}, err
	}
	_ = os.Remove(h.sessionPath(sessionID, ".json"))
	return a, nil
}

func (h *LocalHost) Abort(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.loadSession(sessionID); err != nil {
		return err
	}
	if err := os.Remove(h.sessionPath(sessionID, ".part")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Remove(h.sessionPath(sessionID, ".json"))
}

func (h *LocalHost) Session(ctx context.Context, sessionID string) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadSession(sessionID)
}

// Sessions lists open sessions, oldest first.
func (h *LocalHost) Sessions(ctx context.Context) ([]Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(h.Dir, "sessions", "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(matches))
	for _, m := range matches {
		var s Session
		if err := readJSON(m, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (h *LocalHost) GetAsset(ctx context.Context, handle string) (Asset, error) {
	var a Asset
	if !validID(handle) {
		return a, ErrAssetNotFound
	}
	if err := readJSON(h.assetPath(handle, ".json"), &a); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return a, ErrAssetNotFound
		}
		return a, err
	}
	return a, nil
}

func (h *LocalHost) CreateSignedAccess(ctx context.Context, handle string, action Action, ttl time.Duration) (string, error) {
	if _, err := h.GetAsset(ctx, handle); err != nil {
		return "", err
	}
	token, err := h.sign(handle, PurposeContent, ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v0/media/%s/content?action=%s&token=%s", h.BaseURL, handle, action, url.QueryEscape(token)), nil
}

func (h *LocalHost) DeleteAsset(ctx context.Context, handle string) error {
	if !validID(handle) {
		return ErrAssetNotFound
	}
	if err := os.Remove(h.assetPath(handle, ".json")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrAssetNotFound
		}
		return err
	}
	if err := os.Remove(h.assetPath(handle, "")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Open returns the bytes of a finished asset.
func (h *LocalHost) Open(ctx context.Context, handle string) (*os.File, Asset, error) {
	a, err := h.GetAsset(ctx, handle)
	if err != nil {
		return nil, a, err
	}
	f, err := os.Open(h.assetPath(handle, ""))
	if err != nil {
		return nil, a, err
	}
	return f, a, nil
}

type mediaClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

func (h *LocalHost) sign(subject, purpose string, ttl time.Duration) (string, error) {
	now := h.now()
	claims := mediaClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.Key)
	if err != nil {
		return "", fmt.Errorf("sign media url: %w", err)
	}
	return signed, nil
}

// VerifyToken checks that token was issued by this host for subject and
// purpose and has not expired.
func (h *LocalHost) VerifyToken(token, subject, purpose string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(subject),
		jwt.WithTimeFunc(h.now),
	)
	claims := &mediaClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return h.Key, nil
	}); err != nil {
		return err
	}
	if claims.Purpose != purpose {
		return fmt.Errorf("token issued for %s", claims.Purpose)
	}
	return nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
