package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

// JWTValidator validates JWT bearer tokens.
type JWTValidator struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	audiences []string
	keyFunc   jwt.Keyfunc
}

// NewJWTValidator creates a validator from configuration. HS* algorithms use
// the shared secret, RS* algorithms use the PEM public key.
func NewJWTValidator(cfg config.JWTConfig) (*JWTValidator, error) {
	v := &JWTValidator{
		issuer:    cfg.Issuer,
		audiences: cfg.Audiences,
	}

	algorithm := "HS256"
	if len(cfg.Algorithms) > 0 {
		algorithm = cfg.Algorithms[0]
	}

	switch {
	case strings.HasPrefix(algorithm, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwt: secret is required for %s", algorithm)
		}
		v.secret = []byte(cfg.Secret)
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		}

	case strings.HasPrefix(algorithm, "RS"):
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("jwt: failed to parse PEM public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: failed to parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt: public key is not an RSA key")
		}
		v.publicKey = rsaPub
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		}

	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %q", algorithm)
	}

	return v, nil
}

// Validate parses the token and maps its claims onto an identity.
func (v *JWTValidator) Validate(_ context.Context, tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnauthorized, "Invalid token")
	}
	if !token.Valid {
		return nil, errors.New(errors.KindUnauthorized, "Token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.KindUnauthorized, "Invalid token claims")
	}

	if v.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.issuer {
			return nil, errors.New(errors.KindUnauthorized, "Invalid token issuer")
		}
	}
	if len(v.audiences) > 0 {
		aud, _ := claims.GetAudience()
		if !v.containsAudience(aud) {
			return nil, errors.New(errors.KindUnauthorized, "Invalid token audience")
		}
	}

	id := &reqctx.Identity{}
	if sub, _ := claims.GetSubject(); sub != "" {
		id.UserID = sub
	}
	if tid, ok := claims["tenant_id"].(string); ok {
		id.TenantID = tid
	} else if tid, ok := claims["tid"].(string); ok {
		id.TenantID = tid
	}
	if cid, ok := claims["client_id"].(string); ok {
		id.ClientID = cid
	}
	id.Roles = extractRoles(claims)

	tokenID, _ := claims["jti"].(string)
	return &Principal{Identity: id, TokenID: tokenID}, nil
}

// extractRoles reads roles from the "roles" claim (array or comma string),
// falling back to Spring-style "authorities".
func extractRoles(claims jwt.MapClaims) []string {
	for _, key := range []string{"roles", "authorities"} {
		switch v := claims[key].(type) {
		case []interface{}:
			roles := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					roles = append(roles, s)
				}
			}
			if len(roles) > 0 {
				return roles
			}
		case string:
			if v == "" {
				continue
			}
			parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
			if len(parts) > 0 {
				return parts
			}
		}
	}
	return nil
}

func (v *JWTValidator) containsAudience(tokenAud []string) bool {
	for _, ta := range tokenAud {
		for _, ea := range v.audiences {
			if ta == ea {
				return true
			}
		}
	}
	return false
}
