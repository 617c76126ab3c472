// Package actor identifies the party and user performing actions against
// the fulfillment core. Identity is established by the portal gateway and
// forwarded via headers; this package only carries it through contexts.
package actor

import (
	"context"
	"fmt"
)

// Role names as forwarded by the gateway.
const (
	RoleVendor   = "vendor"
	RoleHospital = "hospital"
	RolePharmacy = "pharmacy"
	RoleAdmin    = "admin"
)

// Actor represents the entity performing an action in the system.
type Actor struct {
	// UserID is the unique identifier of the acting user
	UserID string `json:"user_id"`

	// PartyID is the vendor/hospital/pharmacy the user acts for.
	// Stock records and orders are owned by parties, not users.
	PartyID string `json:"party_id"`

	// Role is the party role (vendor, hospital, pharmacy, admin)
	Role string `json:"role,omitempty"`

	// Email is the acting user's email, for audit logging
	Email string `json:"email,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s@%s (%s)", a.UserID, a.PartyID, a.Role)
}

// contextKey is the type for context keys to avoid collisions
type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// SystemActor returns an Actor representing the system itself.
// Use this for background jobs and scheduled reconciliation sweeps.
func SystemActor() *Actor {
	return &Actor{
		UserID:  "00000000-0000-0000-0000-000000000000",
		PartyID: "system",
		Role:    RoleAdmin,
	}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.UserID == "00000000-0000-0000-0000-000000000000"
}
