package push

import "context"

// identityTokenKey is the context key for the device identity token.
type identityTokenKey struct{}

// ContextWithIdentityToken attaches a device identity token so transports can
// authenticate as the device instead of with the application key.
func ContextWithIdentityToken(ctx context.Context, token *IdentityTokenDetails) context.Context {
	if token == nil || token.Token == "" {
		return ctx
	}
	return context.WithValue(ctx, identityTokenKey{}, token.Token)
}

// IdentityTokenFromContext returns the device identity token, or "" if none.
func IdentityTokenFromContext(ctx context.Context) string {
	if tok, ok := ctx.Value(identityTokenKey{}).(string); ok {
		return tok
	}
	return ""
}
