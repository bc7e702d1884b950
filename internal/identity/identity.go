// Package identity covers who a caller is: bearer token issue/verify and
// secret-key hashing. Authorization (what a caller may do inside a session)
// lives with the session code, not here.
package identity

// Identity is the verified caller attached to a request or socket.
type Identity struct {
	UID         string
	DisplayName string
	Verified    bool
}
