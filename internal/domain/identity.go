package domain

import "context"

// Identity é a identidade já resolvida pela camada de autenticação
type Identity struct {
	UserID   string
	TenantID string
}

type identityKey struct{}

// ContextWithIdentity coloca a identidade no contexto da requisição
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext extrai a identidade do contexto, se houver
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
