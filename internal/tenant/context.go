// Package tenant carries the task-scoped tenant identity and credential
// binding through context. Every fan-out job binds these at entry and the
// binding dies with the job's context; pooled workers never leak a tenant
// across jobs.
package tenant

import "context"

type ctxKey int

const (
	idKey ctxKey = iota
	credKey
)

// Credentials is one tenant's API key pair
type Credentials struct {
	APIKey    string
	SecretKey string
}

// WithID binds a tenant identity to the context
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, idKey, tenantID)
}

// ID returns the bound tenant identity, or "" in single-tenant mode
func ID(ctx context.Context) string {
	if v, ok := ctx.Value(idKey).(string); ok {
		return v
	}
	return ""
}

// WithCredentials binds an API key pair to the context
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credKey, creds)
}

// CredentialsFrom returns the bound key pair, if any
func CredentialsFrom(ctx context.Context) (Credentials, bool) {
	v, ok := ctx.Value(credKey).(Credentials)
	return v, ok
}
