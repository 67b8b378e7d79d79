package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/BlackWatch0/avocado/internal/cache"
	"github.com/BlackWatch0/avocado/internal/config"
)

// BearerAuth validates JWTs against the JWKS endpoint named in the admin
// config. Keys and verified tokens are cached so the identity provider is
// not hit on every request.
type BearerAuth struct {
	Logger zerolog.Logger

	mu     sync.Mutex
	keyset jwk.Set
	ksURL  string
	ksAt   time.Time
	ksTTL  time.Duration

	verCache *cache.Cache[string, *Principal]
}

func NewBearerAuth(logger zerolog.Logger) *BearerAuth {
	return &BearerAuth{
		Logger:   logger,
		ksTTL:    10 * time.Minute,
		verCache: cache.New[string, *Principal](2 * time.Minute),
	}
}

func (b *BearerAuth) Authenticate(ctx context.Context, cfg config.AdminConfig, token string) (*Principal, error) {
	if p, ok := b.verCache.Get(token); ok && p != nil {
		return p, nil
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("no jwt validation configured")
	}

	set, err := b.keys(ctx, cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	tok, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
	if err != nil {
		return nil, err
	}
	if iss := tok.Issuer(); cfg.Issuer != "" && iss != cfg.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	if aud := tok.Audience(); len(aud) > 0 && cfg.Audience != "" {
		found := false
		for _, a := range aud {
			if a == cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience mismatch")
		}
	}
	sub := tok.Subject()
	if sub == "" {
		return nil, errors.New("no sub")
	}

	p := &Principal{Name: sub, Method: "bearer"}
	b.verCache.Set(token, p)
	return p, nil
}

// keys returns the cached JWKS, refetching when the TTL lapsed or the
// configured URL changed since the last fetch.
func (b *BearerAuth) keys(ctx context.Context, url string) (jwk.Set, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keyset != nil && b.ksURL == url && time.Since(b.ksAt) <= b.ksTTL {
		return b.keyset, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	b.keyset = set
	b.ksURL = url
	b.ksAt = time.Now()
	return set, nil
}
