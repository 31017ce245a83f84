package repository

import (
	"context"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
)

// UserRepository persists admin accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ClientRepository persists clients and their deployment configuration.
type ClientRepository interface {
	CreateClient(ctx context.Context, client *domain.Client, cfg *domain.ClientConfig) error
	GetClientWithConfig(ctx context.Context, clientID string) (*domain.Client, *domain.ClientConfig, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
	UpsertClientConfig(ctx context.Context, cfg *domain.ClientConfig) error
	// UpdateClientStatus sets the operational status; non-nil handles are
	// written alongside, nil handles leave the stored ones untouched.
	UpdateClientStatus(ctx context.Context, clientID, status string, handles *domain.PlatformHandles) error
	DeleteClientAndRelated(ctx context.Context, clientID string) error
}

// DeploymentRepository stores the deployment ledger.
type DeploymentRepository interface {
	// CreateDeployment inserts a new attempt. It returns ErrConflict when
	// the client already has a non-terminal attempt; the conditional insert
	// is the per-client single-writer guard.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByClient(ctx context.Context, clientID string, limit int) ([]domain.Deployment, error)
}

// AuditRepository stores the admin audit log.
type AuditRepository interface {
	AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditEntry, error)
}
