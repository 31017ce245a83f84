package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ClientRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.AuditRepository      = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts an admin account.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateClient inserts a client and its configuration in one transaction.
func (r *Repository) CreateClient(ctx context.Context, client *domain.Client, cfg *domain.ClientConfig) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const clientQuery = `INSERT INTO clients (id, name, domain, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, clientQuery, client.ID, client.Name, client.Domain, client.Status, client.CreatedAt, client.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	if err := upsertConfig(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertClientConfig writes the deployment configuration for a client.
func (r *Repository) UpsertClientConfig(ctx context.Context, cfg *domain.ClientConfig) error {
	return upsertConfig(ctx, r.pool, cfg)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertConfig(ctx context.Context, db execer, cfg *domain.ClientConfig) error {
	const query = `INSERT INTO client_configs (
			client_id, lendpro_username, lendpro_password_cipher, lendpro_api_url,
			lendpro_store_id, lendpro_sales_id, lendpro_sales_name,
			brand_primary_color, brand_secondary_color, brand_company_name, brand_logo_url,
			cart_only, visualizer_enabled, visualizer_embed_code, visualizer_sync_api_key,
			updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		ON CONFLICT (client_id) DO UPDATE SET
			lendpro_username = EXCLUDED.lendpro_username,
			lendpro_password_cipher = EXCLUDED.lendpro_password_cipher,
			lendpro_api_url = EXCLUDED.lendpro_api_url,
			lendpro_store_id = EXCLUDED.lendpro_store_id,
			lendpro_sales_id = EXCLUDED.lendpro_sales_id,
			lendpro_sales_name = EXCLUDED.lendpro_sales_name,
			brand_primary_color = EXCLUDED.brand_primary_color,
			brand_secondary_color = EXCLUDED.brand_secondary_color,
			brand_company_name = EXCLUDED.brand_company_name,
			brand_logo_url = EXCLUDED.brand_logo_url,
			cart_only = EXCLUDED.cart_only,
			visualizer_enabled = EXCLUDED.visualizer_enabled,
			visualizer_embed_code = EXCLUDED.visualizer_embed_code,
			visualizer_sync_api_key = EXCLUDED.visualizer_sync_api_key,
			updated_at = now()`
	_, err := db.Exec(ctx, query,
		cfg.ClientID, cfg.LendPro.Username, cfg.LendPro.PasswordCipher, cfg.LendPro.APIURL,
		cfg.LendPro.StoreID, cfg.LendPro.SalesID, cfg.LendPro.SalesName,
		cfg.Branding.PrimaryColor, cfg.Branding.SecondaryColor, cfg.Branding.CompanyName, cfg.Branding.LogoURL,
		cfg.CartOnly, cfg.Visualizer.Enabled, cfg.Visualizer.EmbedCode, cfg.Visualizer.SyncAPIKey)
	return err
}

// GetClientWithConfig loads a client row together with its deployment
// configuration. The LendPro password stays in cipher form; only the
// orchestrator decrypts it, in memory, for the duration of an attempt.
func (r *Repository) GetClientWithConfig(ctx context.Context, clientID string) (*domain.Client, *domain.ClientConfig, error) {
	const query = `SELECT c.id, c.name, c.domain, c.status,
			COALESCE(c.project_id, ''), COALESCE(c.project_url, ''), COALESCE(c.environment_id, ''),
			COALESCE(c.service_id, ''), COALESCE(c.service_url, ''),
			c.created_at, c.updated_at,
			cc.lendpro_username, cc.lendpro_password_cipher, cc.lendpro_api_url,
			cc.lendpro_store_id, cc.lendpro_sales_id, cc.lendpro_sales_name,
			cc.brand_primary_color, cc.brand_secondary_color, cc.brand_company_name, cc.brand_logo_url,
			cc.cart_only, cc.visualizer_enabled, cc.visualizer_embed_code, cc.visualizer_sync_api_key
		FROM clients c
		INNER JOIN client_configs cc ON cc.client_id = c.id
		WHERE c.id = $1`
	row := r.pool.QueryRow(ctx, query, clientID)
	var client domain.Client
	cfg := domain.ClientConfig{ClientID: clientID}
	if err := row.Scan(
		&client.ID, &client.Name, &client.Domain, &client.Status,
		&client.Handles.ProjectID, &client.Handles.ProjectURL, &client.Handles.EnvironmentID,
		&client.Handles.ServiceID, &client.Handles.ServiceURL,
		&client.CreatedAt, &client.UpdatedAt,
		&cfg.LendPro.Username, &cfg.LendPro.PasswordCipher, &cfg.LendPro.APIURL,
		&cfg.LendPro.StoreID, &cfg.LendPro.SalesID, &cfg.LendPro.SalesName,
		&cfg.Branding.PrimaryColor, &cfg.Branding.SecondaryColor, &cfg.Branding.CompanyName, &cfg.Branding.LogoURL,
		&cfg.CartOnly, &cfg.Visualizer.Enabled, &cfg.Visualizer.EmbedCode, &cfg.Visualizer.SyncAPIKey,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, repository.ErrNotFound
		}
		return nil, nil, err
	}
	return &client, &cfg, nil
}

// ListClients returns all clients ordered by creation time.
func (r *Repository) ListClients(ctx context.Context) ([]domain.Client, error) {
	const query = `SELECT id, name, domain, status,
			COALESCE(project_id, ''), COALESCE(project_url, ''), COALESCE(environment_id, ''),
			COALESCE(service_id, ''), COALESCE(service_url, ''),
			created_at, updated_at
		FROM clients ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0)
	for rows.Next() {
		var client domain.Client
		if err := rows.Scan(
			&client.ID, &client.Name, &client.Domain, &client.Status,
			&client.Handles.ProjectID, &client.Handles.ProjectURL, &client.Handles.EnvironmentID,
			&client.Handles.ServiceID, &client.Handles.ServiceURL,
			&client.CreatedAt, &client.UpdatedAt,
		); err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// UpdateClientStatus sets the operational status, optionally writing the
// platform handles captured by a successful deployment.
func (r *Repository) UpdateClientStatus(ctx context.Context, clientID, status string, handles *domain.PlatformHandles) error {
	if handles == nil {
		const query = `UPDATE clients SET status = $2, updated_at = now() WHERE id = $1`
		tag, err := r.pool.Exec(ctx, query, clientID, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	}
	const query = `UPDATE clients SET status = $2,
			project_id = $3, project_url = $4, environment_id = $5,
			service_id = $6, service_url = $7,
			updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, clientID, status,
		handles.ProjectID, handles.ProjectURL, handles.EnvironmentID,
		handles.ServiceID, handles.ServiceURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteClientAndRelated removes a client; config and ledger rows follow
// via ON DELETE CASCADE.
func (r *Repository) DeleteClientAndRelated(ctx context.Context, clientID string) error {
	const query = `DELETE FROM clients WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, clientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment inserts a new ledger row. The partial unique index on
// non-terminal statuses guarantees at most one in-flight attempt per
// client; a violation surfaces as ErrConflict.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, client_id, status, type, railway_deployment_id, log, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.ClientID, deployment.Status, deployment.Type,
		deployment.RailwayDeploymentID, deployment.Log, deployment.Error, deployment.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// UpdateDeployment applies mutable fields to a non-terminal ledger row.
// Terminal rows are immutable; an update that matches none returns
// ErrNotFound.
func (r *Repository) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	const query = `UPDATE deployments SET
			status = $2,
			railway_deployment_id = COALESCE(NULLIF($3, ''), railway_deployment_id),
			log = CASE WHEN $4 = '' THEN log ELSE log || $4 || E'\n' END,
			error = COALESCE(NULLIF($5, ''), error),
			completed_at = COALESCE($6, completed_at)
		WHERE id = $1 AND completed_at IS NULL`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, update.RailwayDeploymentID,
		update.Log, update.Error, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a single ledger row.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, client_id, status, type, railway_deployment_id, log, error, started_at, completed_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ClientID, &d.Status, &d.Type, &d.RailwayDeploymentID, &d.Log, &d.Error, &d.StartedAt, &d.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByClient returns recent attempts, newest first.
func (r *Repository) ListDeploymentsByClient(ctx context.Context, clientID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, client_id, status, type, railway_deployment_id, log, error, started_at, completed_at
		FROM deployments WHERE client_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ClientID, &d.Status, &d.Type, &d.RailwayDeploymentID, &d.Log, &d.Error, &d.StartedAt, &d.CompletedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// AppendAuditEntry records an admin action.
func (r *Repository) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	const query = `INSERT INTO audit_log (id, action, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.Action, entry.ResourceType, entry.ResourceID, entry.Details, entry.CreatedAt)
	return err
}

// ListAuditEntries returns recent audit rows for a resource.
func (r *Repository) ListAuditEntries(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, action, resource_type, resource_id, details, created_at
		FROM audit_log WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
