package media

import (
	"context"
	"fmt"
	"time"
)

// Access is a URL the viewer can use for an asset.
type Access struct {
	Handle    string     `json:"handle"`
	Action    Action     `json:"action"`
	URL       string     `json:"url"`
	Signed    bool       `json:"signed"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Resolver turns media handles into preview or download URLs.
type Resolver struct {
	Host Host
	TTL  time.Duration
	Now  func() time.Time
}

func (r Resolver) Resolve(ctx context.Context, handle string, action Action) (Access, error) {
	if !action.Valid() {
		return Access{}, fmt.Errorf("unknown playback action %q", action)
	}
	asset, err := r.Host.GetAsset(ctx, handle)
	if err != nil {
		return Access{}, err
	}
	if asset.State != AssetReady {
		return Access{}, fmt.Errorf("%w: %s is %s", ErrAssetNotReady, handle, asset.State)
	}
	out := Access{Handle: handle, Action: action}
	if !asset.RequiresSigning {
		out.URL = asset.PublicURL
		return out, nil
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	url, err := r.Host.CreateSignedAccess(ctx, handle, action, ttl)
	if err != nil {
		return Access{}, fmt.Errorf("sign %s: %w", handle, err)
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	exp := now.Add(ttl).UTC()
	out.URL = url
	out.Signed = true
	out.ExpiresAt = &exp
	return out, nil
}
