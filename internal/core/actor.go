package core

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
}

// SystemActor is used by background jobs.
var SystemActor = Actor{UserID: "system", Admin: true}

// Owns reports whether the actor may act on a record owned by userID.
func (a Actor) Owns(userID string) bool {
	return a.UserID == userID
}

// CanManage reports owner-or-admin access.
func (a Actor) CanManage(userID string) bool {
	return a.Admin || a.Owns(userID)
}
