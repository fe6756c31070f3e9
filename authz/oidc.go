package authz

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/teranos/stagee/errors"
)

// OIDCResolver authenticates ID tokens from an OpenID Connect issuer. The
// tenant and permissions are read from configurable claims.
type OIDCResolver struct {
	verifier         *oidc.IDTokenVerifier
	tenantClaim      string
	permissionsClaim string
}

// NewOIDCResolver discovers issuer and verifies tokens for clientID.
func NewOIDCResolver(ctx context.Context, issuer, clientID, tenantClaim, permissionsClaim string) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to discover OIDC issuer %s", issuer)
	}
	return NewOIDCResolverWithVerifier(provider.Verifier(&oidc.Config{ClientID: clientID}), tenantClaim, permissionsClaim), nil
}

// NewOIDCResolverWithVerifier uses an existing verifier.
func NewOIDCResolverWithVerifier(verifier *oidc.IDTokenVerifier, tenantClaim, permissionsClaim string) *OIDCResolver {
	if tenantClaim == "" {
		tenantClaim = "tenant_id"
	}
	if permissionsClaim == "" {
		permissionsClaim = "permissions"
	}
	return &OIDCResolver{verifier: verifier, tenantClaim: tenantClaim, permissionsClaim: permissionsClaim}
}

// Resolve verifies bearer and maps its claims to an actor.
func (r *OIDCResolver) Resolve(ctx context.Context, bearer string) (*Actor, error) {
	token, err := r.verifier.Verify(ctx, bearer)
	if err != nil {
		return nil, errors.NewUnauthorizedError("invalid ID token: %v", err)
	}

	var claims map[string]interface{}
	if err := token.Claims(&claims); err != nil {
		return nil, errors.NewUnauthorizedError("unreadable ID token claims: %v", err)
	}

	tenant, _ := claims[r.tenantClaim].(string)
	if tenant == "" {
		return nil, errors.NewUnauthorizedError("ID token has no %s claim", r.tenantClaim)
	}

	actor := &Actor{ID: token.Subject, TenantID: tenant, AuthMethod: AuthMethodOIDC}
	switch perms := claims[r.permissionsClaim].(type) {
	case []interface{}:
		for _, p := range perms {
			if s, ok := p.(string); ok {
				actor.Permissions = append(actor.Permissions, s)
			}
		}
	case string:
		actor.Permissions = []string{perms}
	}
	return actor, nil
}
