package models

type Role string

const (
	RoleCashbook  Role = "cashbook"
	RoleBankAdmin Role = "bank_admin"
)

// User is the authenticated caller. Users are identified by username.
type User struct {
	Username string
	Role     Role
}
