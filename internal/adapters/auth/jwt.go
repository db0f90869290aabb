// Package auth extracts the principal from the bearer token issued by the
// panic backend. Signatures are verified by the backend on every request;
// the client only reads the claims.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

var _ ports.PrincipalResolver = (*ClaimsResolver)(nil)

// Claims of the backend token that matter to the client
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ClaimsResolver implements ports.PrincipalResolver with unverified parsing
type ClaimsResolver struct {
	parser      *jwt.Parser
	defaultRole domain.Role
}

// NewClaimsResolver creates a resolver. defaultRole is used when the token
// carries no role claim; leave it empty to reject such tokens.
func NewClaimsResolver(defaultRole domain.Role) *ClaimsResolver {
	return &ClaimsResolver{
		parser:      jwt.NewParser(),
		defaultRole: defaultRole,
	}
}

// Resolve reads sub and role from token
func (r *ClaimsResolver) Resolve(token string) (domain.Principal, error) {
	claims, err := r.parse(token)
	if err != nil {
		return domain.Principal{}, err
	}

	role, err := r.role(claims)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}

	p := domain.Principal{Identity: strings.TrimSpace(claims.Subject), Role: role}
	if err := domain.ValidateIdentity(p.Identity); err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}
	return p, nil
}

// Subject returns the sub claim of token
func (r *ClaimsResolver) Subject(token string) (string, error) {
	claims, err := r.parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (r *ClaimsResolver) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, domain.ErrNotAuthenticated
	}

	claims := &Claims{}
	if _, _, err := r.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: parse token: %v", domain.ErrNotAuthenticated, err)
	}
	return claims, nil
}

func (r *ClaimsResolver) role(c *Claims) (domain.Role, error) {
	candidates := append([]string{c.Role}, c.Roles...)
	for _, raw := range candidates {
		raw = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "ROLE_")
		if raw == "" {
			continue
		}
		if role, err := domain.ParseRole(raw); err == nil {
			return role, nil
		}
	}
	if r.defaultRole != "" {
		return r.defaultRole, nil
	}
	return "", fmt.Errorf("token carries no usable role")
}
