package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BlackWatch0/avocado/internal/config"
)

// Principal is the identity a request authenticated as.
type Principal struct {
	Name   string
	Method string // basic or bearer
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Chain guards the admin API. It reloads the admin section on every request
// so credential changes made through the API itself apply without a restart.
// While no scheme is configured the chain lets everything through.
type Chain struct {
	cfg    *config.Store
	logger zerolog.Logger
	basic  *BasicAuth
	bearer *BearerAuth
}

func NewChain(cfg *config.Store, logger zerolog.Logger) *Chain {
	return &Chain{
		cfg:    cfg,
		logger: logger,
		basic:  &BasicAuth{},
		bearer: NewBearerAuth(logger),
	}
}

// Middleware rejects unauthenticated requests once any scheme is configured.
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		admin := c.adminConfig()
		if !admin.BasicEnabled() && !admin.BearerEnabled() {
			next.ServeHTTP(w, req)
			return
		}

		p, err := c.authenticate(req, admin)
		if err != nil || p == nil {
			c.logAttempt(req, err)
			if admin.BasicEnabled() {
				w.Header().Set("WWW-Authenticate", `Basic realm="Avocado Admin", charset="UTF-8"`)
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), p)))
	})
}

func (c *Chain) authenticate(req *http.Request, admin config.AdminConfig) (*Principal, error) {
	authz := req.Header.Get("Authorization")
	lower := strings.ToLower(authz)

	// Prefer Bearer if present and enabled
	if strings.HasPrefix(lower, "bearer ") && admin.BearerEnabled() {
		return c.bearer.Authenticate(req.Context(), admin, strings.TrimSpace(authz[7:]))
	}

	if admin.BasicEnabled() {
		return c.basic.Authenticate(admin, authz)
	}

	return nil, errors.New("no auth")
}

func (c *Chain) adminConfig() config.AdminConfig {
	cfg, err := c.cfg.Load()
	if err != nil {
		// Fail closed with unusable credentials rather than open.
		return config.AdminConfig{Username: "\x00", Password: "\x00"}
	}
	return cfg.Admin
}

func (c *Chain) logAttempt(req *http.Request, authErr error) {
	authz := req.Header.Get("Authorization")
	authType := ""
	if i := strings.IndexByte(authz, ' '); i > 0 {
		authType = strings.ToLower(authz[:i])
	}

	logEvent := c.logger.Info().
		Bool("auth_success", false).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("auth_type", authType)

	if authErr != nil {
		logEvent = logEvent.Str("error", authErr.Error())
	}

	logEvent.Msg("auth attempt")
}
