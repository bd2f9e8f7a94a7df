package auth

import (
	"context"
	"fmt"
	"net/http"

	"milabs-booking/internal/logger"
	"milabs-booking/internal/utils"

	"github.com/coreos/go-oidc/v3/oidc"
)

// TokenVerifier turns a raw bearer token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// identityClaims covers both a flat "role" claim and Keycloak style realm roles.
type identityClaims struct {
	Sub         string `json:"sub"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	LabID       string `json:"lab_id"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c identityClaims) identity() (*Identity, error) {
	if c.Sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	role := ParseRole(c.Role)
	if role == "" {
		for _, r := range c.RealmAccess.Roles {
			if role = ParseRole(r); role != "" {
				break
			}
		}
	}
	if role == "" {
		role = RolePatient
	}
	return &Identity{UserID: c.Sub, Email: c.Email, Role: role, LabID: c.LabID}, nil
}

type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	// access tokens are issued to several clients
	verifier := provider.Verifier(&oidc.Config{
		SkipClientIDCheck: true,
	})
	return &OIDCVerifier{verifier: verifier}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	var claims identityClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return claims.identity()
}

func Middleware(verifier TokenVerifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteError(w, http.StatusUnauthorized, "authentication required", err.Error(), nil)
				return
			}

			id, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("INVALID_TOKEN", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				utils.WriteError(w, http.StatusUnauthorized, "authentication required", "invalid token", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
