package entity

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
)

// Identity is what the external auth layer tells us about a connected user.
type Identity struct {
	UserID    string `json:"userId"`
	Role      Role   `json:"userRole"`
	UserName  string `json:"userName"`
	AuthToken string `json:"-"`
}

func (i Identity) IsSeller() bool {
	return i.Role == RoleSeller
}

// ConnectedUser is the public view of a registry entry.
type ConnectedUser struct {
	UserID      string    `json:"userId"`
	UserRole    Role      `json:"userRole"`
	UserName    string    `json:"userName"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type TypingUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}
