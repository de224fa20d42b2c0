package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

const testSecret = "test-secret-for-hmac-signing"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newTestVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	if opts.Validator == nil {
		validator, err := NewJWTValidator(config.JWTConfig{Secret: testSecret})
		if err != nil {
			t.Fatalf("NewJWTValidator: %v", err)
		}
		opts.Validator = validator
	}

	v, err := New(config.SecurityConfig{
		Whitelist: config.WhitelistConfig{
			SkipPaths: []string{"/api/auth/login", "/api/public/", "/actuator/health"},
		},
		AdminPathPrefix: "/api/admin/",
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func verify(t *testing.T, v *Verifier, path, authHeader string) (*reqctx.Context, error) {
	t.Helper()
	r := httptest.NewRequest("GET", path, nil)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	rc := reqctx.New(r)
	t.Cleanup(func() { reqctx.Release(rc) })
	return rc, v.Verify(context.Background(), rc, r)
}

func wantKind(t *testing.T, err error, kind errors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	ge := errors.AsGatewayError(err)
	if ge == nil {
		t.Fatalf("not a gateway error: %v", err)
	}
	if ge.Kind() != kind {
		t.Fatalf("kind = %v, want %v (err: %v)", ge.Kind(), kind, err)
	}
}

func TestWhitelistedPathSkipsAuth(t *testing.T) {
	v := newTestVerifier(t, Options{})
	for _, path := range []string{"/api/auth/login", "/api/public/docs", "/actuator/health"} {
		rc, err := verify(t, v, path, "")
		if err != nil {
			t.Errorf("%s: %v", path, err)
		}
		if rc.Identity != nil {
			t.Errorf("%s: identity attached to anonymous request", path)
		}
	}
}

func TestMissingCredentials(t *testing.T) {
	v := newTestVerifier(t, Options{})
	_, err := verify(t, v, "/api/orders", "")
	wantKind(t, err, errors.KindUnauthorized)
}

func TestValidBearerToken(t *testing.T) {
	v := newTestVerifier(t, Options{})
	token := signToken(t, jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "acme",
		"roles":     []string{"USER", "PREMIUM"},
		"client_id": "web",
	})

	rc, err := verify(t, v, "/api/orders", "Bearer "+token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	id := rc.Identity
	if id == nil {
		t.Fatal("no identity attached")
	}
	if id.UserID != "user-1" || id.TenantID != "acme" || id.ClientID != "web" {
		t.Errorf("identity = %+v", id)
	}
	if len(id.Roles) != 2 || id.Roles[1] != "PREMIUM" {
		t.Errorf("roles = %v", id.Roles)
	}
	if got := rc.HeaderOverlay.Get("X-User-ID"); got != "user-1" {
		t.Errorf("X-User-ID overlay = %q", got)
	}
}

func TestBadSignature(t *testing.T) {
	v := newTestVerifier(t, Options{})
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"})
	token, _ := other.SignedString([]byte("wrong-secret"))

	_, err := verify(t, v, "/api/orders", "Bearer "+token)
	wantKind(t, err, errors.KindUnauthorized)
}

func TestAdminPathRequiresAdminRole(t *testing.T) {
	v := newTestVerifier(t, Options{})

	user := signToken(t, jwt.MapClaims{"sub": "u1", "roles": []string{"USER"}})
	_, err := verify(t, v, "/api/admin/routes", "Bearer "+user)
	wantKind(t, err, errors.KindForbidden)

	admin := signToken(t, jwt.MapClaims{"sub": "a1", "roles": []string{"role_admin"}})
	rc, err := verify(t, v, "/api/admin/routes", "Bearer "+admin)
	if err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
	if !rc.Identity.IsAdmin {
		t.Error("IsAdmin not set")
	}
}

type fakeRevocations struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[tokenID], nil
}

func TestRevokedToken(t *testing.T) {
	v := newTestVerifier(t, Options{
		Revocations: &fakeRevocations{revoked: map[string]bool{"jti-1": true}},
	})

	revoked := signToken(t, jwt.MapClaims{"sub": "u1", "jti": "jti-1"})
	_, err := verify(t, v, "/api/orders", "Bearer "+revoked)
	wantKind(t, err, errors.KindUnauthorized)

	fresh := signToken(t, jwt.MapClaims{"sub": "u1", "jti": "jti-2"})
	if _, err := verify(t, v, "/api/orders", "Bearer "+fresh); err != nil {
		t.Errorf("unrevoked token rejected: %v", err)
	}
}

func TestRevocationLookupFailureRejects(t *testing.T) {
	v := newTestVerifier(t, Options{
		Revocations: &fakeRevocations{err: fmt.Errorf("connection refused")},
	})

	token := signToken(t, jwt.MapClaims{"sub": "u1", "jti": "jti-1"})
	_, err := verify(t, v, "/api/orders", "Bearer "+token)
	wantKind(t, err, errors.KindUnauthorized)
}

func TestBasicCredentials(t *testing.T) {
	v := newTestVerifier(t, Options{
		BasicUsers: map[string]string{"svc": "hunter2"},
	})

	good := base64.StdEncoding.EncodeToString([]byte("svc:hunter2"))
	rc, err := verify(t, v, "/api/orders", "Basic "+good)
	if err != nil {
		t.Fatalf("valid basic rejected: %v", err)
	}
	if rc.Identity.UserID != "svc" {
		t.Errorf("user = %q", rc.Identity.UserID)
	}

	bad := base64.StdEncoding.EncodeToString([]byte("svc:wrong"))
	_, err = verify(t, v, "/api/orders", "Basic "+bad)
	wantKind(t, err, errors.KindUnauthorized)
}

type fakeSessions struct {
	users map[string]*reqctx.Identity
}

func (f *fakeSessions) Lookup(_ context.Context, userID string) (*reqctx.Identity, error) {
	if id, ok := f.users[userID]; ok {
		return id, nil
	}
	return nil, fmt.Errorf("no session for %s", userID)
}

func TestInternalServiceCall(t *testing.T) {
	v := newTestVerifier(t, Options{
		Sessions: &fakeSessions{users: map[string]*reqctx.Identity{
			"u9": {UserID: "u9", TenantID: "acme", Roles: []string{"USER"}},
		}},
	})

	r := httptest.NewRequest("GET", "/api/orders", nil)
	r.Header.Set("X-User-ID", "u9")
	rc := reqctx.New(r)
	defer reqctx.Release(rc)

	if err := v.Verify(context.Background(), rc, r); err != nil {
		t.Fatalf("internal call rejected: %v", err)
	}
	if rc.Identity == nil || rc.Identity.TenantID != "acme" {
		t.Errorf("identity = %+v", rc.Identity)
	}

	r2 := httptest.NewRequest("GET", "/api/orders", nil)
	r2.Header.Set("X-User-ID", "unknown")
	rc2 := reqctx.New(r2)
	defer reqctx.Release(rc2)
	wantKind(t, v.Verify(context.Background(), rc2, r2), errors.KindUnauthorized)
}

func TestIPWhitelistBypass(t *testing.T) {
	validator, _ := NewJWTValidator(config.JWTConfig{Secret: testSecret})
	v, err := New(config.SecurityConfig{
		Whitelist: config.WhitelistConfig{CIDRs: []string{"192.0.2.0/24"}},
	}, Options{Validator: validator})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/orders", nil)
	rc := reqctx.New(r)
	defer reqctx.Release(rc)
	rc.Client = &reqctx.ClientInfo{IP: "192.0.2.55"}

	if err := v.Verify(context.Background(), rc, r); err != nil {
		t.Errorf("whitelisted IP rejected: %v", err)
	}
}

func TestRolesClaimVariants(t *testing.T) {
	validator, _ := NewJWTValidator(config.JWTConfig{Secret: testSecret})

	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   []string
	}{
		{"array", jwt.MapClaims{"roles": []interface{}{"A", "B"}}, []string{"A", "B"}},
		{"comma string", jwt.MapClaims{"roles": "A,B"}, []string{"A", "B"}},
		{"authorities", jwt.MapClaims{"authorities": []interface{}{"ROLE_ADMIN"}}, []string{"ROLE_ADMIN"}},
		{"none", jwt.MapClaims{}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.claims["sub"] = "u"
			c.claims["exp"] = time.Now().Add(time.Hour).Unix()
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, c.claims)
			s, _ := token.SignedString([]byte(testSecret))

			p, err := validator.Validate(context.Background(), s)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if len(p.Identity.Roles) != len(c.want) {
				t.Fatalf("roles = %v, want %v", p.Identity.Roles, c.want)
			}
			for i := range c.want {
				if p.Identity.Roles[i] != c.want[i] {
					t.Errorf("roles[%d] = %q, want %q", i, p.Identity.Roles[i], c.want[i])
				}
			}
		})
	}
}

func TestExpiredToken(t *testing.T) {
	v := newTestVerifier(t, Options{})
	token := signToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err := verify(t, v, "/api/orders", "Bearer "+token)
	wantKind(t, err, errors.KindUnauthorized)
}
