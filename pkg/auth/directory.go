package auth

import "golang.org/x/crypto/bcrypt"

// User is a configured principal.
type User struct {
	Username     string
	PasswordHash string
	Roles        []string
}

// Directory verifies credentials against the configured user set.
type Directory struct {
	users map[string]User
}

// NewDirectory creates a directory from the configured users.
func NewDirectory(users []User) *Directory {
	m := make(map[string]User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &Directory{users: m}
}

// Authenticate checks a username/password pair. It returns the matching user
// only when the bcrypt hash verifies.
func (d *Directory) Authenticate(username, password string) (*User, bool) {
	u, ok := d.users[username]
	if !ok {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, false
	}
	return &u, true
}

// Lookup returns the user by username.
func (d *Directory) Lookup(username string) (*User, bool) {
	u, ok := d.users[username]
	if !ok {
		return nil, false
	}
	return &u, true
}

// HashPassword returns the bcrypt hash of a password. Used by operator
// tooling to produce config entries.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
