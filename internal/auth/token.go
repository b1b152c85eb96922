package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Verifier turns a raw bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// claims covers both token shapes we accept: Keycloak style realm roles
// and a flat "role" claim issued with a shared secret.
type claims struct {
	Sub         string   `json:"sub"`
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c claims) identity() (*Identity, error) {
	if c.Sub == "" {
		return nil, errors.New("subject claim not found in token")
	}
	roles := append([]string{}, c.RealmAccess.Roles...)
	roles = append(roles, c.Roles...)
	if c.Role != "" {
		roles = append(roles, c.Role)
	}
	return &Identity{Subject: c.Sub, Roles: roles}, nil
}

// OIDCVerifier checks tokens against an OpenID Connect issuer.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	// SkipClientIDCheck: tokens are issued to the frontend client, not us
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return c.identity()
}

// HS256Verifier accepts tokens signed with a shared secret.
type HS256Verifier struct {
	secret []byte
}

func NewHS256Verifier(secret string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret)}
}

type hsClaims struct {
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

func (v *HS256Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	var c hsClaims
	_, err := jwt.ParseWithClaims(rawToken, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims{
		Sub:         c.Subject,
		Role:        c.Role,
		Roles:       c.Roles,
		RealmAccess: c.RealmAccess,
	}.identity()
}

// ExtractTokenFromRequest extracts a JWT token from an HTTP request's Authorization header
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	// Bearer token format: "Bearer {token}"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}

	return parts[1], nil
}
