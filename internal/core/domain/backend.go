package domain

import "time"

// Role identifies which backend pool services a request.
type Role string

const (
	RoleChat     Role = "chat"
	RoleText2SQL Role = "text2sql"
	RoleEmbed    Role = "embed"
	RoleRerank   Role = "rerank"
)

// Roles lists every configured backend role in a stable order.
var Roles = []Role{RoleChat, RoleText2SQL, RoleEmbed, RoleRerank}

// Backend is an upstream inference server instance.
type Backend struct {
	URL       string
	Role      Role
	Healthy   bool
	LastCheck time.Time
	LastError string
}
