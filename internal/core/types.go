package core

import "time"

// Memory is one retrieved memory as returned by the retrieval service.
type Memory struct {
	ID         string  `json:"id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty"`
}

// Profile is the user profile fetched from the identity-graph API.
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	Mail              string `json:"mail,omitempty"`
}

// Claims is the decoded identity-token payload. Only the claims the
// session manager cares about are kept.
type Claims struct {
	Subject           string `json:"sub,omitempty"`
	ObjectID          string `json:"oid,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// PrimaryUserID derives the identity key: the subject claim when present,
// otherwise the object identifier claim. Empty when neither exists.
func (c Claims) PrimaryUserID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.ObjectID
}

// Tab describes one page a content agent is attached to.
type Tab struct {
	ID           TabID     `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}
