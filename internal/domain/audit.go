package domain

import (
	"encoding/json"
	"time"
)

// AuditEntry records an admin-visible action against a resource.
type AuditEntry struct {
	ID           string
	Action       string
	ResourceType string
	ResourceID   string
	Details      json.RawMessage
	CreatedAt    time.Time
}
