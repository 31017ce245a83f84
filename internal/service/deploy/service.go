// Package deploy is the deployment orchestrator: it turns a client's
// stored configuration into a running hosted service on the remote
// platform, polls for completion and reconciles the outcome back into the
// ledger.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/railway"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/ws"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/config"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/crypto"
)

const projectURLTemplate = "https://railway.app/project/%s"

// Platform is the subset of the remote platform API the orchestrator
// drives. *railway.Client satisfies it.
type Platform interface {
	CreateProject(ctx context.Context, name string) (railway.Project, error)
	CreateDatabaseService(ctx context.Context, projectID, environmentID, name string) (railway.Service, error)
	CreateService(ctx context.Context, projectID, name string, source *railway.ServiceSource) (railway.Service, error)
	SetVariables(ctx context.Context, projectID, environmentID, serviceID string, variables []railway.Variable) error
	TriggerDeployment(ctx context.Context, environmentID, serviceID string) (railway.Deployment, error)
	GetDeploymentStatus(ctx context.Context, deploymentID string) (railway.DeploymentStatus, error)
	GetServiceDomain(ctx context.Context, environmentID, serviceID string) (string, error)
	AddCustomDomain(ctx context.Context, environmentID, serviceID, domain string) error
	DeleteProject(ctx context.Context, projectID string) error
}

// DeploymentResult is what callers receive from one attempt.
type DeploymentResult struct {
	Success      bool   `json:"success"`
	ClientID     string `json:"client_id"`
	DeploymentID string `json:"deployment_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	ProjectURL   string `json:"project_url,omitempty"`
	ServiceURL   string `json:"service_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ProgressEvent is the structured step notification emitted to stream
// subscribers while an attempt runs.
type ProgressEvent struct {
	ClientID     string    `json:"client_id"`
	DeploymentID string    `json:"deployment_id"`
	Step         string    `json:"step"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Service orchestrates provisioning, redeploys and teardown per client.
// It holds no durable state between invocations; resumability lives in the
// ledger row.
type Service struct {
	clients     repository.ClientRepository
	deployments repository.DeploymentRepository
	audits      repository.AuditRepository
	platform    Platform
	hub         *ws.Hub
	clock       clock.Clock
	logger      *slog.Logger
	cfg         config.PortalConfig
	masterKey   []byte
}

// New returns a deployment orchestrator.
func New(clients repository.ClientRepository, deployments repository.DeploymentRepository, audits repository.AuditRepository, platform Platform, hub *ws.Hub, logger *slog.Logger, cfg config.PortalConfig, masterKey []byte) Service {
	return Service{
		clients:     clients,
		deployments: deployments,
		audits:      audits,
		platform:    platform,
		hub:         hub,
		clock:       clock.New(),
		logger:      logger,
		cfg:         cfg,
		masterKey:   masterKey,
	}
}

// Deploy runs one attempt for the client: full provisioning when the
// client has no remote project yet, otherwise the update path. Every
// failure inside the attempt is reconciled into the ledger and returned;
// nothing is swallowed except custom-domain binding.
func (s Service) Deploy(ctx context.Context, clientID string) (DeploymentResult, error) {
	return s.run(ctx, clientID, "")
}

// Redeploy forces an update-path attempt for an already provisioned
// client, e.g. after an operator-driven configuration change.
func (s Service) Redeploy(ctx context.Context, clientID string) (DeploymentResult, error) {
	return s.run(ctx, clientID, domain.DeployRedeploy)
}

func (s Service) run(ctx context.Context, clientID, forcedType string) (DeploymentResult, error) {
	result := DeploymentResult{ClientID: clientID}

	client, cfg, err := s.clients.GetClientWithConfig(ctx, clientID)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	deployType := forcedType
	if deployType == "" {
		if client.Handles.Provisioned() {
			deployType = domain.DeployUpdate
		} else {
			deployType = domain.DeployInitial
		}
	}

	attempt := &domain.Deployment{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Status:    domain.DeploymentPending,
		Type:      deployType,
		StartedAt: s.clock.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, attempt); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			result.Error = ErrDeployInFlight.Error()
			return result, ErrDeployInFlight
		}
		result.Error = err.Error()
		return result, err
	}
	result.DeploymentID = attempt.ID

	// The client flips to deploying and the attempt enters building before
	// the first remote call.
	if err := s.clients.UpdateClientStatus(ctx, clientID, domain.ClientDeploying, nil); err != nil {
		return s.fail(ctx, result, attempt, err)
	}
	s.audit(ctx, "deployment.started", clientID, map[string]any{"deployment_id": attempt.ID, "type": deployType})
	s.transition(ctx, attempt, domain.DeploymentBuilding, "", "attempt started")

	if len(cfg.LendPro.PasswordCipher) > 0 {
		plain, err := crypto.DecryptSecret(cfg.LendPro.PasswordCipher, s.masterKey)
		if err != nil {
			return s.fail(ctx, result, attempt, fmt.Errorf("decrypt lendpro credential: %w", err))
		}
		cfg.LendPro.Password = plain
	}

	var handles domain.PlatformHandles
	if deployType == domain.DeployInitial {
		handles, err = s.provision(ctx, client, cfg, attempt)
	} else {
		handles, err = s.update(ctx, client, cfg, attempt)
	}
	if err != nil {
		return s.fail(ctx, result, attempt, err)
	}

	now := s.clock.Now().UTC()
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: attempt.ID,
		Status:       domain.DeploymentSuccess,
		Log:          "step=done",
		CompletedAt:  &now,
	}); err != nil {
		s.logger.Warn("ledger success update failed", "deployment_id", attempt.ID, "error", err)
	}
	if err := s.clients.UpdateClientStatus(ctx, clientID, domain.ClientActive, &handles); err != nil {
		s.logger.Warn("client status update failed", "client_id", clientID, "error", err)
	}
	s.audit(ctx, "deployment.succeeded", clientID, map[string]any{"deployment_id": attempt.ID, "project_id": handles.ProjectID})
	s.emit(clientID, attempt.ID, "done", domain.DeploymentSuccess, handles.ServiceURL)

	result.Success = true
	result.ProjectID = handles.ProjectID
	result.ProjectURL = handles.ProjectURL
	result.ServiceURL = handles.ServiceURL
	s.logger.Info("deployment succeeded", "client_id", clientID, "deployment_id", attempt.ID, "service_url", handles.ServiceURL)
	return result, nil
}

// provision is the full first-deploy sequence. Steps are strictly ordered
// and non-idempotent: any failure aborts the remainder and reports the
// furthest step reached.
func (s Service) provision(ctx context.Context, client *domain.Client, cfg *domain.ClientConfig, attempt *domain.Deployment) (domain.PlatformHandles, error) {
	var none domain.PlatformHandles

	slug, err := deriveProjectName(client.Name)
	if err != nil {
		return none, err
	}

	s.step(ctx, attempt, "create_project")
	project, err := s.platform.CreateProject(ctx, slug)
	if err != nil {
		return none, err
	}

	s.step(ctx, attempt, "create_database")
	if _, err := s.platform.CreateDatabaseService(ctx, project.ID, project.EnvironmentID, databaseServiceName); err != nil {
		return none, err
	}
	// The database needs a moment to begin accepting connections before
	// dependent services reference it.
	if err := s.sleep(ctx, s.cfg.DatabaseSettle); err != nil {
		return none, err
	}

	s.step(ctx, attempt, "create_service")
	source := &railway.ServiceSource{Repo: s.cfg.StorefrontRepoURL, Branch: s.cfg.StorefrontRepoBranch}
	service, err := s.platform.CreateService(ctx, project.ID, slug, source)
	if err != nil {
		return none, err
	}

	s.step(ctx, attempt, "configure_variables")
	if err := s.platform.SetVariables(ctx, project.ID, project.EnvironmentID, service.ID, BuildEnvironmentVariables(*cfg)); err != nil {
		return none, err
	}

	s.step(ctx, attempt, "trigger_build")
	build, err := s.platform.TriggerDeployment(ctx, project.EnvironmentID, service.ID)
	if err != nil {
		return none, err
	}
	s.transition(ctx, attempt, domain.DeploymentDeploying, build.ID, "remote build acknowledged")

	s.step(ctx, attempt, "await_build")
	status, err := s.awaitBuild(ctx, build.ID)
	if err != nil {
		return none, err
	}

	s.step(ctx, attempt, "resolve_domain")
	serviceURL := s.resolveServiceURL(ctx, project.EnvironmentID, service.ID, status)

	if client.Domain != "" {
		// Best-effort: a failed custom-domain binding never fails the
		// overall attempt.
		if err := s.platform.AddCustomDomain(ctx, project.EnvironmentID, service.ID, client.Domain); err != nil {
			s.logger.Warn("custom domain binding failed", "client_id", client.ID, "domain", client.Domain, "error", err)
		}
	}

	return domain.PlatformHandles{
		ProjectID:     project.ID,
		ProjectURL:    fmt.Sprintf(projectURLTemplate, project.ID),
		EnvironmentID: project.EnvironmentID,
		ServiceID:     service.ID,
		ServiceURL:    serviceURL,
	}, nil
}

// update re-applies the environment variables and re-triggers a build on
// the client's existing services, then polls identically to provisioning.
func (s Service) update(ctx context.Context, client *domain.Client, cfg *domain.ClientConfig, attempt *domain.Deployment) (domain.PlatformHandles, error) {
	var none domain.PlatformHandles
	handles := client.Handles

	s.step(ctx, attempt, "configure_variables")
	if err := s.platform.SetVariables(ctx, handles.ProjectID, handles.EnvironmentID, handles.ServiceID, BuildEnvironmentVariables(*cfg)); err != nil {
		return none, err
	}

	s.step(ctx, attempt, "trigger_build")
	build, err := s.platform.TriggerDeployment(ctx, handles.EnvironmentID, handles.ServiceID)
	if err != nil {
		return none, err
	}
	s.transition(ctx, attempt, domain.DeploymentDeploying, build.ID, "remote build acknowledged")

	s.step(ctx, attempt, "await_build")
	status, err := s.awaitBuild(ctx, build.ID)
	if err != nil {
		return none, err
	}

	s.step(ctx, attempt, "resolve_domain")
	if url := s.resolveServiceURL(ctx, handles.EnvironmentID, handles.ServiceID, status); url != "" {
		handles.ServiceURL = url
	}
	return handles, nil
}

// awaitBuild polls the remote build at a constant interval until a
// terminal status or the wall-clock bound. This is the only place the
// system blocks on remote state convergence; once the bound is exceeded
// the remote build is left to run.
func (s Service) awaitBuild(ctx context.Context, remoteID string) (railway.DeploymentStatus, error) {
	deadline := s.clock.Now().Add(s.cfg.DeployTimeout)
	for {
		status, err := s.platform.GetDeploymentStatus(ctx, remoteID)
		if err != nil {
			return railway.DeploymentStatus{}, err
		}
		switch {
		case railway.StatusSucceeded(status.Status):
			return status, nil
		case railway.StatusFailed(status.Status):
			return railway.DeploymentStatus{}, &FailedError{Status: status.Status}
		}
		if !s.clock.Now().Before(deadline) {
			return railway.DeploymentStatus{}, &TimeoutError{Timeout: s.cfg.DeployTimeout}
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return railway.DeploymentStatus{}, err
		}
	}
}

// resolveServiceURL prefers the platform's auto-assigned domain and falls
// back to the URL reported by the terminal status. Either may race
// provisioning and come back empty.
func (s Service) resolveServiceURL(ctx context.Context, environmentID, serviceID string, status railway.DeploymentStatus) string {
	host, err := s.platform.GetServiceDomain(ctx, environmentID, serviceID)
	if err != nil {
		s.logger.Warn("service domain lookup failed", "service_id", serviceID, "error", err)
		host = ""
	}
	if host == "" {
		host = status.URL
	}
	if host == "" {
		return ""
	}
	return "https://" + host
}

// DeleteClient tears down the remote project best-effort and removes the
// local rows unconditionally: local data is authoritative for the admin
// system, the remote side converges on the next attempt or never.
func (s Service) DeleteClient(ctx context.Context, clientID string) error {
	client, _, err := s.clients.GetClientWithConfig(ctx, clientID)
	if err != nil {
		return err
	}
	if client.Handles.Provisioned() {
		if err := s.platform.DeleteProject(ctx, client.Handles.ProjectID); err != nil {
			var apiErr *railway.APIError
			if errors.As(err, &apiErr) && apiErr.NotFound() {
				s.logger.Info("remote project already gone", "client_id", clientID, "project_id", client.Handles.ProjectID)
			} else {
				s.logger.Error("remote project deletion failed, continuing local cleanup", "client_id", clientID, "project_id", client.Handles.ProjectID, "error", err)
			}
		}
	}
	if err := s.clients.DeleteClientAndRelated(ctx, clientID); err != nil {
		return err
	}
	s.audit(ctx, "client.deleted", clientID, map[string]any{"project_id": client.Handles.ProjectID})
	s.logger.Info("client deleted", "client_id", clientID)
	return nil
}

// ListDeployments returns recent ledger rows for a client.
func (s Service) ListDeployments(ctx context.Context, clientID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByClient(ctx, clientID, limit)
}

func (s Service) fail(ctx context.Context, result DeploymentResult, attempt *domain.Deployment, cause error) (DeploymentResult, error) {
	now := s.clock.Now().UTC()
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: attempt.ID,
		Status:       domain.DeploymentFailed,
		Error:        cause.Error(),
		CompletedAt:  &now,
	}); err != nil {
		s.logger.Warn("ledger failure update failed", "deployment_id", attempt.ID, "error", err)
	}
	if err := s.clients.UpdateClientStatus(ctx, attempt.ClientID, domain.ClientFailed, nil); err != nil {
		s.logger.Warn("client status update failed", "client_id", attempt.ClientID, "error", err)
	}
	s.audit(ctx, "deployment.failed", attempt.ClientID, map[string]any{"deployment_id": attempt.ID, "error": cause.Error()})
	s.emit(attempt.ClientID, attempt.ID, "failed", domain.DeploymentFailed, cause.Error())
	s.logger.Error("deployment failed", "client_id", attempt.ClientID, "deployment_id", attempt.ID, "error", cause)

	result.Error = cause.Error()
	return result, cause
}

// transition moves the attempt to a new ledger status and notifies
// subscribers.
func (s Service) transition(ctx context.Context, attempt *domain.Deployment, status, remoteID, message string) {
	attempt.Status = status
	if remoteID != "" {
		attempt.RailwayDeploymentID = remoteID
	}
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID:        attempt.ID,
		Status:              status,
		RailwayDeploymentID: remoteID,
		Log:                 message,
	}); err != nil {
		s.logger.Warn("ledger transition failed", "deployment_id", attempt.ID, "status", status, "error", err)
	}
	s.emit(attempt.ClientID, attempt.ID, status, status, message)
}

// step records progress within the current ledger status.
func (s Service) step(ctx context.Context, attempt *domain.Deployment, name string) {
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: attempt.ID,
		Status:       attempt.Status,
		Log:          "step=" + name,
	}); err != nil {
		s.logger.Warn("ledger step update failed", "deployment_id", attempt.ID, "step", name, "error", err)
	}
	s.logger.Info("deployment step", "client_id", attempt.ClientID, "deployment_id", attempt.ID, "step", name)
	s.emit(attempt.ClientID, attempt.ID, name, attempt.Status, "")
}

func (s Service) emit(clientID, deploymentID, step, status, message string) {
	if s.hub == nil {
		return
	}
	event := ProgressEvent{
		ClientID:     clientID,
		DeploymentID: deploymentID,
		Step:         step,
		Status:       status,
		Message:      message,
		Timestamp:    s.clock.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.hub.Broadcast(clientID, payload)
}

func (s Service) audit(ctx context.Context, action, clientID string, details map[string]any) {
	if s.audits == nil {
		return
	}
	payload, _ := json.Marshal(details)
	entry := &domain.AuditEntry{
		ID:           uuid.NewString(),
		Action:       action,
		ResourceType: "client",
		ResourceID:   clientID,
		Details:      payload,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.audits.AppendAuditEntry(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "action", action, "client_id", clientID, "error", err)
	}
}

func (s Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
