// Package auth verifies request credentials and attaches the resulting
// identity to the request context. Token validation and revocation are
// delegated behind small interfaces so backends can be swapped.
package auth

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/logging"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

// Principal is a validated credential: the identity plus the token id used
// for revocation checks.
type Principal struct {
	Identity *reqctx.Identity
	TokenID  string
}

// TokenValidator validates a bearer credential.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// RevocationSet reports whether a token id has been revoked.
type RevocationSet interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// SessionStore resolves internal-service calls that carry X-User-ID instead
// of a credential.
type SessionStore interface {
	Lookup(ctx context.Context, userID string) (*reqctx.Identity, error)
}

// Verifier authenticates requests.
type Verifier struct {
	skipPaths   []string
	whitelist   []*net.IPNet
	adminPrefix string

	validator   TokenValidator
	revocations RevocationSet
	sessions    SessionStore
	basicUsers  map[string]string
}

// Options wires the verifier's capabilities. Validator is required for
// bearer tokens; the rest are optional.
type Options struct {
	Validator   TokenValidator
	Revocations RevocationSet
	Sessions    SessionStore
	// BasicUsers maps usernames to passwords for HTTP Basic credentials.
	BasicUsers map[string]string
}

// New creates a Verifier from configuration.
func New(cfg config.SecurityConfig, opts Options) (*Verifier, error) {
	v := &Verifier{
		skipPaths:   cfg.Whitelist.SkipPaths,
		adminPrefix: cfg.AdminPathPrefix,
		validator:   opts.Validator,
		revocations: opts.Revocations,
		sessions:    opts.Sessions,
		basicUsers:  opts.BasicUsers,
	}
	if v.adminPrefix == "" {
		v.adminPrefix = "/api/admin/"
	}

	for _, cidr := range cfg.Whitelist.CIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		v.whitelist = append(v.whitelist, ipNet)
	}
	for _, ipStr := range cfg.Whitelist.IPs {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: ipStr}
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		v.whitelist = append(v.whitelist, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return v, nil
}

// Verify authenticates the request and attaches the identity to rc. A nil
// return means the request may proceed (possibly anonymously, for
// whitelisted paths and addresses).
func (v *Verifier) Verify(ctx context.Context, rc *reqctx.Context, r *http.Request) error {
	if v.pathWhitelisted(rc.Path) {
		return nil
	}
	if rc.Client != nil && v.ipWhitelisted(rc.Client.IP) {
		return nil
	}

	principal, err := v.authenticate(ctx, r)
	if err != nil {
		return err
	}

	// Revocation is checked after validation; a failed lookup rejects.
	if principal.TokenID != "" && v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, principal.TokenID)
		if err != nil {
			logging.Warn("revocation lookup failed, rejecting",
				zap.String("trace_id", rc.TraceID), zap.Error(err))
			return errors.New(errors.KindUnauthorized, "Unable to verify token status")
		}
		if revoked {
			return errors.New(errors.KindUnauthorized, "Token has been revoked")
		}
	}

	id := principal.Identity
	id.IsAdmin = hasAdminRole(id.Roles)

	if strings.HasPrefix(rc.Path, v.adminPrefix) && !id.IsAdmin {
		return errors.New(errors.KindForbidden, "Admin role required")
	}

	rc.WithIdentity(id)
	return nil
}

func (v *Verifier) authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")

	switch {
	case strings.HasPrefix(header, "Bearer "), strings.HasPrefix(header, "bearer "):
		if v.validator == nil {
			return nil, errors.New(errors.KindUnauthorized, "Bearer tokens are not accepted")
		}
		principal, err := v.validator.Validate(ctx, header[7:])
		if err != nil {
			if ge := errors.AsGatewayError(err); ge != nil {
				return nil, ge
			}
			return nil, errors.Wrap(err, errors.KindUnauthorized, "Invalid token")
		}
		return principal, nil

	case strings.HasPrefix(header, "Basic "), strings.HasPrefix(header, "basic "):
		return v.authenticateBasic(header[6:])

	case header == "" && r.Header.Get("X-User-ID") != "":
		// Internal service call: the caller pre-resolved the user and we
		// confirm it against the session store.
		if v.sessions == nil {
			return nil, errors.New(errors.KindUnauthorized, "Internal calls are not accepted")
		}
		id, err := v.sessions.Lookup(ctx, r.Header.Get("X-User-ID"))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindUnauthorized, "Unknown session")
		}
		return &Principal{Identity: id}, nil
	}

	return nil, errors.New(errors.KindUnauthorized, "Missing credentials")
}

func (v *Verifier) authenticateBasic(encoded string) (*Principal, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New(errors.KindUnauthorized, "Malformed Basic credentials")
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, errors.New(errors.KindUnauthorized, "Malformed Basic credentials")
	}
	want, exists := v.basicUsers[user]
	if !exists || want != pass {
		return nil, errors.New(errors.KindUnauthorized, "Invalid credentials")
	}
	return &Principal{
		Identity: &reqctx.Identity{UserID: user, Roles: []string{"USER"}},
	}, nil
}

func (v *Verifier) pathWhitelisted(path string) bool {
	for _, prefix := range v.skipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (v *Verifier) ipWhitelisted(ipStr string) bool {
	if len(v.whitelist) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range v.whitelist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hasAdminRole(roles []string) bool {
	for _, r := range roles {
		switch strings.ToUpper(r) {
		case "ADMIN", "ROLE_ADMIN":
			return true
		}
	}
	return false
}
