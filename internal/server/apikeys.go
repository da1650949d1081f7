package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"proofreel/internal/domain"
	"proofreel/internal/repo"
)

// NewAPIKey returns a random key with a recognizable prefix.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "prk_" + hex.EncodeToString(buf), nil
}

func registerAPIKeys(api huma.API, h *handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key; the key is only returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, role := range input.Body.Roles {
			if _, ok := h.engine.Config.RBAC.Roles[role]; !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": role})
			}
		}
		raw, err := NewAPIKey()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   actor,
			Name:      input.Body.Name,
			Roles:     input.Body.Roles,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: domain.FormatTime(time.Now()),
		}
		if err := h.engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, err := h.authorize(ctx, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		keys, err := h.engine.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := h.authorize(ctx, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
