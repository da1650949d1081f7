package proofreelsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestAPIErrorCarriesEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `{"error":{"code":"link_expired","message":"review link expired"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).RedeemReviewLink(context.Background(), "tok")
	if !IsCode(err, "link_expired") {
		t.Fatalf("expected link_expired, got %v", err)
	}
}

func TestUploadFileSendsPlannedChunks(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	var (
		mu       sync.Mutex
		received bytes.Buffer
		offsets  []string
	)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v0/work-items/w1/uploads":
			json.NewEncoder(w).Encode(map[string]any{
				"session_id": "s1",
				"upload_url": srv.URL + "/v0/uploads/s1?token=t",
				"chunk_size": 8,
			})
		case r.Method == http.MethodPut && r.URL.Path == "/v0/uploads/s1":
			if r.URL.Query().Get("token") != "t" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			mu.Lock()
			offsets = append(offsets, r.URL.Query().Get("offset"))
			io.Copy(&received, r.Body)
			n := received.Len()
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"offset": n})
		case r.Method == http.MethodPost && r.URL.Path == "/v0/work-items/w1/uploads/s1/complete":
			json.NewEncoder(w).Encode(map[string]any{
				"delivery":  map[string]any{"version_number": 1, "delivery_type": "file"},
				"work_item": map[string]any{"id": "w1", "status": "review_admin"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d, w, err := New(srv.URL).UploadFile(context.Background(), "w1", "cut.mp4", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if d.VersionNumber != 1 || w.Status != "review_admin" {
		t.Fatalf("unexpected result %+v %+v", d, w)
	}
	if !bytes.Equal(received.Bytes(), content) {
		t.Fatalf("server received %q", received.String())
	}
	if got := strings.Join(offsets, ","); got != "0,8,16" {
		t.Fatalf("expected offsets 0,8,16, got %s", got)
	}
}
