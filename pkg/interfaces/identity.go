package interfaces

// IdentityResolver derives a display name from an optional credential.
// An empty token means no credential was presented.
type IdentityResolver interface {
	Resolve(token string) (string, error)
}
