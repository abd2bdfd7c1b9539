package crawler

import "fmt"

// Identity returns the raw identity string of an entry. The first present
// field wins: GUID, link, description+title, description, title.
func Identity(e Entry) (string, bool) {
	switch {
	case e.GUID != "":
		return e.GUID, true
	case e.Link != "":
		return e.Link, true
	case e.Description != "" && e.Title != "":
		return e.Description + e.Title, true
	case e.Description != "":
		return e.Description, true
	case e.Title != "":
		return e.Title, true
	default:
		return "", false
	}
}

// Fingerprint hashes the identity of an entry. It returns ErrNoIdentity when
// the entry carries no identity-bearing field.
func Fingerprint(h Hasher, e Entry) (string, string, error) {
	raw, ok := Identity(e)
	if !ok {
		return "", "", ErrNoIdentity
	}
	sum, err := h.Hash([]byte(raw))
	if err != nil {
		return "", "", fmt.Errorf("hash identity: %w", err)
	}
	return sum, raw, nil
}
