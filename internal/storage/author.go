package storage

import (
	"net/mail"
	"strings"
)

// Identity is a commit or upload author.
type Identity struct {
	Name  string
	Email string
}

func (i Identity) String() string {
	if i.Email == "" {
		return i.Name
	}
	return i.Name + " <" + i.Email + ">"
}

// ParseAuthor turns the author option into an Identity. "Name <email>" and a
// bare email are parsed; a bare name keeps the default email; an empty value
// returns def.
func ParseAuthor(author string, def Identity) Identity {
	author = strings.TrimSpace(author)
	if author == "" {
		return def
	}
	if addr, err := mail.ParseAddress(author); err == nil {
		name := addr.Name
		if name == "" {
			name, _, _ = strings.Cut(addr.Address, "@")
		}
		return Identity{Name: name, Email: addr.Address}
	}
	return Identity{Name: author, Email: def.Email}
}
