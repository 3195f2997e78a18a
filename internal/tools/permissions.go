package tools

import (
	"slices"

	"github.com/ashureev/cx-router/internal/domain"
)

// Permissions lists the readable tables and writable table.column paths of a role.
type Permissions struct {
	Read  []string
	Write []string
}

var rolePermissions = map[string]Permissions{
	domain.ActingRoleCustomerAI: {
		Read:  []string{"users", "orders", "tickets"},
		Write: []string{"tickets.status", "users.email"},
	},
	domain.ActingRoleAgentAssist: {
		Read:  []string{"users", "orders", "tickets"},
		Write: []string{"tickets.status", "tickets.assigned_to", "orders.status", "users.email"},
	},
}

// CanRead reports whether role may read table. Unknown roles may read nothing.
func CanRead(role, table string) bool {
	return slices.Contains(rolePermissions[role].Read, table)
}

// CanWrite reports whether role may write table.column.
func CanWrite(role, table, column string) bool {
	return slices.Contains(rolePermissions[role].Write, table+"."+column)
}
