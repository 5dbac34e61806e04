package model

// IdentityRecord is a user/account. Email, ExternalAuthID and
// WalletAddress are alternate lookup keys; each non-empty value is owned by
// at most one identity at a time. That uniqueness is enforced by secondary
// indices, not a database constraint, so it is actively preserved and
// repaired rather than guaranteed.
type IdentityRecord struct {
	ID             string   `json:"id"`
	Email          string   `json:"email,omitempty"`
	ExternalAuthID string   `json:"external_auth_id,omitempty"`
	WalletAddress  string   `json:"wallet_address,omitempty"`
	Role           Role     `json:"role"`
	Name           string   `json:"name,omitempty"`
	Organization   string   `json:"organization,omitempty"`
	Location       string   `json:"location,omitempty"`
	AuthMethods    []string `json:"auth_methods,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
}
