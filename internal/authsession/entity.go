package authsession

import "github.com/fitbuddy/client-core-go/internal/provider"

// User is the application-facing profile. Populated from the backend when
// reachable, otherwise mapped from the provider's own session claims.
type User struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	FullName            string `json:"full_name"`
	AvatarURL           string `json:"avatar_url,omitempty"`
	IsDiscoverable      bool   `json:"is_discoverable"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
}

// Session is the process-wide authentication state.
// AuthenticatedViaBackend is true only when the identity was confirmed by the
// backend, never for the degraded provider-only fallback. Loading is true
// from process start until exactly one resolution path settles.
type Session struct {
	User                    *User
	AuthenticatedViaBackend bool
	Loading                 bool
}

// fallbackUser maps the minimal provider identity into a degraded local
// user. Downstream UI uses AuthenticatedViaBackend=false to suppress
// features that need backend-confirmed state.
func fallbackUser(id provider.Identity) *User {
	return &User{
		ID:       id.ID,
		Email:    id.Email,
		FullName: id.FullName,
	}
}
