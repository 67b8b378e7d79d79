package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/BlackWatch0/avocado/internal/config"
)

// BasicAuth checks an Authorization header against the static admin
// credentials in configuration.
type BasicAuth struct{}

func (b *BasicAuth) Authenticate(cfg config.AdminConfig, header string) (*Principal, error) {
	// header may be empty; browser will prompt; handle both cases
	if header == "" {
		return nil, errors.New("no auth")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "basic" {
		return nil, errors.New("not basic")
	}
	dec, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	creds := strings.SplitN(string(dec), ":", 2)
	if len(creds) != 2 {
		return nil, errors.New("malformed basic")
	}
	userOK := subtle.ConstantTimeCompare([]byte(creds[0]), []byte(cfg.Username))
	passOK := subtle.ConstantTimeCompare([]byte(creds[1]), []byte(cfg.Password))
	if userOK&passOK != 1 {
		return nil, errors.New("bad credentials")
	}
	return &Principal{Name: cfg.Username, Method: "basic"}, nil
}
