package authz

import "propflow/lifecycle"

// Actor is a point-in-time snapshot of the authenticated account, reloaded
// from the store on every request. Services receive it explicitly so that
// authorization decisions never lean on stale token claims.
type Actor struct {
	ID     string
	Role   lifecycle.Role
	Status lifecycle.UserStatus
}

// System is the actor recorded on automated transitions such as the
// reservation expiry sweep.
var System = Actor{ID: "SYSTEM", Role: lifecycle.RoleAdmin, Status: lifecycle.UserActive}

// Admin reports whether the actor carries the admin role and is in good
// standing.
func (a Actor) Admin() bool {
	return a.Role == lifecycle.RoleAdmin && a.Status == lifecycle.UserActive
}

// Active reports whether the actor may perform mutating operations at all.
func (a Actor) Active() bool {
	return a.Status == lifecycle.UserActive
}
