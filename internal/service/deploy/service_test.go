package deploy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/railway"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/config"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/crypto"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

type fakeClientRepo struct {
	mu      sync.Mutex
	client  domain.Client
	cfg     domain.ClientConfig
	history []string
	handles *domain.PlatformHandles
	deleted []string
}

func (f *fakeClientRepo) CreateClient(ctx context.Context, client *domain.Client, cfg *domain.ClientConfig) error {
	return nil
}

func (f *fakeClientRepo) GetClientWithConfig(ctx context.Context, clientID string) (*domain.Client, *domain.ClientConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clientID != f.client.ID {
		return nil, nil, repository.ErrNotFound
	}
	client := f.client
	cfg := f.cfg
	return &client, &cfg, nil
}

func (f *fakeClientRepo) ListClients(ctx context.Context) ([]domain.Client, error) {
	return []domain.Client{f.client}, nil
}

func (f *fakeClientRepo) UpsertClientConfig(ctx context.Context, cfg *domain.ClientConfig) error {
	return nil
}

func (f *fakeClientRepo) UpdateClientStatus(ctx context.Context, clientID, status string, handles *domain.PlatformHandles) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clientID != f.client.ID {
		return repository.ErrNotFound
	}
	f.client.Status = status
	f.history = append(f.history, status)
	if handles != nil {
		f.client.Handles = *handles
		copied := *handles
		f.handles = &copied
	}
	return nil
}

func (f *fakeClientRepo) DeleteClientAndRelated(ctx context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clientID != f.client.ID {
		return repository.ErrNotFound
	}
	f.deleted = append(f.deleted, clientID)
	return nil
}

type fakeDeploymentRepo struct {
	mu        sync.Mutex
	rows      map[string]*domain.Deployment
	sequences map[string][]string
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{
		rows:      make(map[string]*domain.Deployment),
		sequences: make(map[string][]string),
	}
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ClientID == deployment.ClientID && !domain.TerminalDeploymentStatus(row.Status) {
			return repository.ErrConflict
		}
	}
	row := *deployment
	f.rows[deployment.ID] = &row
	f.sequences[deployment.ID] = []string{deployment.Status}
	return nil
}

func (f *fakeDeploymentRepo) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[update.DeploymentID]
	if !ok || row.CompletedAt != nil {
		return repository.ErrNotFound
	}
	if row.Status != update.Status {
		f.sequences[update.DeploymentID] = append(f.sequences[update.DeploymentID], update.Status)
	}
	row.Status = update.Status
	if update.RailwayDeploymentID != "" {
		row.RailwayDeploymentID = update.RailwayDeploymentID
	}
	if update.Log != "" {
		row.Log += update.Log + "\n"
	}
	if update.Error != "" {
		row.Error = update.Error
	}
	if update.CompletedAt != nil {
		row.CompletedAt = update.CompletedAt
	}
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByClient(ctx context.Context, clientID string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, row := range f.rows {
		if row.ClientID == clientID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) single(t *testing.T) *domain.Deployment {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", len(f.rows))
	}
	for _, row := range f.rows {
		copied := *row
		return &copied
	}
	return nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAuditRepo) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeAuditRepo) ListAuditEntries(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakePlatform struct {
	mu sync.Mutex

	statuses  []string
	statusIdx int
	pollCount int

	projectCalls    int
	dbCalls         int
	serviceCalls    int
	variablesSet    [][]railway.Variable
	triggerCalls    int
	deletedProjects []string

	customDomainErr   error
	customDomainCalls int
	deleteErr         error
	serviceDomain     string
}

func (f *fakePlatform) CreateProject(ctx context.Context, name string) (railway.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectCalls++
	return railway.Project{ID: "proj-1", Name: name, EnvironmentID: "env-1"}, nil
}

func (f *fakePlatform) CreateDatabaseService(ctx context.Context, projectID, environmentID, name string) (railway.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbCalls++
	return railway.Service{ID: "svc-db", Name: name}, nil
}

func (f *fakePlatform) CreateService(ctx context.Context, projectID, name string, source *railway.ServiceSource) (railway.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serviceCalls++
	return railway.Service{ID: "svc-app", Name: name}, nil
}

func (f *fakePlatform) SetVariables(ctx context.Context, projectID, environmentID, serviceID string, variables []railway.Variable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.variablesSet = append(f.variablesSet, variables)
	return nil
}

func (f *fakePlatform) TriggerDeployment(ctx context.Context, environmentID, serviceID string) (railway.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerCalls++
	return railway.Deployment{ID: "dep-remote-1", Status: "QUEUED"}, nil
}

func (f *fakePlatform) GetDeploymentStatus(ctx context.Context, deploymentID string) (railway.DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCount++
	idx := f.statusIdx
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusIdx++
	return railway.DeploymentStatus{Status: f.statuses[idx]}, nil
}

func (f *fakePlatform) GetServiceDomain(ctx context.Context, environmentID, serviceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serviceDomain, nil
}

func (f *fakePlatform) AddCustomDomain(ctx context.Context, environmentID, serviceID, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customDomainCalls++
	return f.customDomainErr
}

func (f *fakePlatform) DeleteProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedProjects = append(f.deletedProjects, projectID)
	return f.deleteErr
}

func (f *fakePlatform) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCount
}

func testConfig() config.PortalConfig {
	return config.PortalConfig{
		StorefrontRepoURL:    "AudienceActivatorAI/lendpro-storefront",
		StorefrontRepoBranch: "main",
		PollInterval:         time.Second,
		DeployTimeout:        time.Minute,
		DatabaseSettle:       time.Second,
	}
}

func newTestClient(t *testing.T, provisioned bool) (domain.Client, domain.ClientConfig) {
	t.Helper()
	cipher, err := crypto.EncryptSecret("p", testMasterKey)
	if err != nil {
		t.Fatalf("encrypt fixture: %v", err)
	}
	client := domain.Client{
		ID:     "client-1",
		Name:   "Acme",
		Domain: "acme.test",
		Status: domain.ClientInactive,
	}
	if provisioned {
		client.Status = domain.ClientActive
		client.Handles = domain.PlatformHandles{
			ProjectID:     "proj-1",
			ProjectURL:    "https://railway.app/project/proj-1",
			EnvironmentID: "env-1",
			ServiceID:     "svc-app",
			ServiceURL:    "https://acme.up.railway.app",
		}
	}
	cfg := domain.ClientConfig{
		ClientID: client.ID,
		LendPro: domain.LendProConfig{
			Username:       "u",
			PasswordCipher: cipher,
			APIURL:         "https://api.lendpro.test",
			StoreID:        "S1",
			SalesID:        "X1",
			SalesName:      "Jane",
		},
	}
	return client, cfg
}

func newTestService(clients *fakeClientRepo, deps *fakeDeploymentRepo, platform *fakePlatform, clk clock.Clock, cfg config.PortalConfig) Service {
	return Service{
		clients:     clients,
		deployments: deps,
		audits:      &fakeAuditRepo{},
		platform:    platform,
		clock:       clk,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:         cfg,
		masterKey:   testMasterKey,
	}
}

// advanceUntil keeps moving the mock clock forward until done closes so
// settle delays and poll intervals elapse without real waiting.
func advanceUntil(mock *clock.Mock, step time.Duration, done <-chan struct{}) {
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			time.Sleep(time.Millisecond)
			mock.Add(step)
		}
	}()
}

func findVariable(vars []railway.Variable, key string) (string, bool) {
	for _, v := range vars {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

func TestDeployFullProvisioningSuccess(t *testing.T) {
	client, cfg := newTestClient(t, false)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{
		statuses:      []string{"BUILDING", "DEPLOYING", "SUCCESS"},
		serviceDomain: "acme.up.railway.app",
	}
	mock := clock.NewMock()
	svc := newTestService(clients, deps, platform, mock, testConfig())

	done := make(chan struct{})
	defer close(done)
	advanceUntil(mock, time.Second, done)

	result, err := svc.Deploy(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ProjectID != "proj-1" {
		t.Fatalf("unexpected project id %q", result.ProjectID)
	}
	if result.ServiceURL != "https://acme.up.railway.app" {
		t.Fatalf("unexpected service url %q", result.ServiceURL)
	}

	row := deps.single(t)
	if row.Status != domain.DeploymentSuccess {
		t.Fatalf("expected ledger success, got %q", row.Status)
	}
	if row.CompletedAt == nil {
		t.Fatal("expected non-null completion timestamp")
	}
	if row.Type != domain.DeployInitial {
		t.Fatalf("expected initial attempt, got %q", row.Type)
	}
	if row.RailwayDeploymentID != "dep-remote-1" {
		t.Fatalf("expected remote deployment id recorded, got %q", row.RailwayDeploymentID)
	}

	wantSeq := []string{domain.DeploymentPending, domain.DeploymentBuilding, domain.DeploymentDeploying, domain.DeploymentSuccess}
	gotSeq := deps.sequences[row.ID]
	if len(gotSeq) != len(wantSeq) {
		t.Fatalf("status sequence %v, want %v", gotSeq, wantSeq)
	}
	for i := range wantSeq {
		if gotSeq[i] != wantSeq[i] {
			t.Fatalf("status sequence %v, want %v", gotSeq, wantSeq)
		}
	}

	if clients.client.Status != domain.ClientActive {
		t.Fatalf("expected client active, got %q", clients.client.Status)
	}
	if clients.handles == nil || clients.handles.ProjectID != "proj-1" || clients.handles.EnvironmentID != "env-1" {
		t.Fatalf("expected platform handles persisted, got %+v", clients.handles)
	}
	if platform.polls() != 3 {
		t.Fatalf("expected 3 polls, got %d", platform.polls())
	}
	if platform.customDomainCalls != 1 {
		t.Fatalf("expected one custom domain binding, got %d", platform.customDomainCalls)
	}

	if len(platform.variablesSet) != 1 {
		t.Fatalf("expected one variable upsert, got %d", len(platform.variablesSet))
	}
	if got, _ := findVariable(platform.variablesSet[0], "LENDPRO_PASSWORD"); got != "p" {
		t.Fatalf("expected decrypted credential in variables, got %q", got)
	}
}

func TestDeployRemoteFailure(t *testing.T) {
	client, cfg := newTestClient(t, false)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{statuses: []string{"BUILDING", "DEPLOYING", "FAILED"}}
	mock := clock.NewMock()
	svc := newTestService(clients, deps, platform, mock, testConfig())

	done := make(chan struct{})
	defer close(done)
	advanceUntil(mock, time.Second, done)

	result, err := svc.Deploy(context.Background(), "client-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var failed *FailedError
	if !errors.As(err, &failed) || failed.Status != "FAILED" {
		t.Fatalf("expected FailedError with observed status, got %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(result.Error, "FAILED") {
		t.Fatalf("expected observed status in result error, got %q", result.Error)
	}
	if clients.client.Status != domain.ClientFailed {
		t.Fatalf("expected client failed, got %q", clients.client.Status)
	}
	row := deps.single(t)
	if row.Status != domain.DeploymentFailed || row.CompletedAt == nil {
		t.Fatalf("expected failed terminal row, got %+v", row)
	}
}

func TestSecondDeployFailsFastWithConflict(t *testing.T) {
	client, cfg := newTestClient(t, false)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	inflight := &domain.Deployment{
		ID:        "dep-first",
		ClientID:  "client-1",
		Status:    domain.DeploymentBuilding,
		Type:      domain.DeployInitial,
		StartedAt: time.Now().UTC(),
	}
	if err := deps.CreateDeployment(context.Background(), inflight); err != nil {
		t.Fatalf("seed in-flight attempt: %v", err)
	}
	platform := &fakePlatform{statuses: []string{"SUCCESS"}}
	svc := newTestService(clients, deps, platform, clock.NewMock(), testConfig())

	_, err := svc.Deploy(context.Background(), "client-1")
	if !errors.Is(err, ErrDeployInFlight) {
		t.Fatalf("expected ErrDeployInFlight, got %v", err)
	}
	row := deps.single(t)
	if row.ID != "dep-first" || row.Status != domain.DeploymentBuilding {
		t.Fatalf("expected first attempt untouched, got %+v", row)
	}
	if platform.projectCalls != 0 {
		t.Fatal("expected no remote calls on conflict")
	}
}

func TestDeployTimesOutWithBoundedPolling(t *testing.T) {
	client, cfg := newTestClient(t, true)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{statuses: []string{"BUILDING"}}
	mock := clock.NewMock()
	cfg2 := testConfig()
	cfg2.PollInterval = time.Second
	cfg2.DeployTimeout = 5 * time.Second
	svc := newTestService(clients, deps, platform, mock, cfg2)

	done := make(chan struct{})
	defer close(done)
	advanceUntil(mock, time.Second, done)

	_, err := svc.Deploy(context.Background(), "client-1")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	polls := platform.polls()
	if polls < 1 || polls > 6 {
		t.Fatalf("expected between 1 and timeout/interval+1 polls, got %d", polls)
	}
	row := deps.single(t)
	if row.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed ledger row, got %q", row.Status)
	}
	if !strings.Contains(row.Error, "terminal status") {
		t.Fatalf("expected timeout-specific message, got %q", row.Error)
	}
}

func TestDeployRejectsEmptySlugBeforeRemoteCalls(t *testing.T) {
	client, cfg := newTestClient(t, false)
	client.Name = "!!! ???"
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{statuses: []string{"SUCCESS"}}
	svc := newTestService(clients, deps, platform, clock.NewMock(), testConfig())

	_, err := svc.Deploy(context.Background(), "client-1")
	if !errors.Is(err, errEmptySlug) {
		t.Fatalf("expected empty slug rejection, got %v", err)
	}
	if platform.projectCalls != 0 {
		t.Fatal("expected no remote calls for invalid slug")
	}
	row := deps.single(t)
	if row.Status != domain.DeploymentFailed || row.CompletedAt == nil {
		t.Fatalf("expected failed terminal row, got %+v", row)
	}
}

func TestUpdatePathSkipsProvisioning(t *testing.T) {
	client, cfg := newTestClient(t, true)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{statuses: []string{"SUCCESS"}, serviceDomain: "acme.up.railway.app"}
	mock := clock.NewMock()
	svc := newTestService(clients, deps, platform, mock, testConfig())

	done := make(chan struct{})
	defer close(done)
	advanceUntil(mock, time.Second, done)

	result, err := svc.Deploy(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if platform.projectCalls != 0 || platform.dbCalls != 0 || platform.serviceCalls != 0 {
		t.Fatal("expected update path to skip project and service creation")
	}
	if platform.triggerCalls != 1 || len(platform.variablesSet) != 1 {
		t.Fatalf("expected variable upsert and re-trigger, got %d/%d", len(platform.variablesSet), platform.triggerCalls)
	}
	if deps.single(t).Type != domain.DeployUpdate {
		t.Fatalf("expected update attempt type, got %q", deps.single(t).Type)
	}
}

func TestRedeployForcesRedeployType(t *testing.T) {
	client, cfg := newTestClient(t, true)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{statuses: []string{"SUCCESS"}}
	mock := clock.NewMock()
	svc := newTestService(clients, deps, platform, mock, testConfig())

	done := make(chan struct{})
	defer close(done)
	advanceUntil(mock, time.Second, done)

	if _, err := svc.Redeploy(context.Background(), "client-1"); err != nil {
		t.Fatalf("Redeploy returned error: %v", err)
	}
	if deps.single(t).Type != domain.DeployRedeploy {
		t.Fatalf("expected redeploy attempt type, got %q", deps.single(t).Type)
	}
}

func TestCustomDomainFailureDoesNotFailDeployment(t *testing.T) {
	client, cfg := newTestClient(t, false)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{
		statuses:        []string{"SUCCESS"},
		serviceDomain:   "acme.up.railway.app",
		customDomainErr: &railway.APIError{Operation: "add custom domain", Status: 400, Message: "domain in use"},
	}
	mock := clock.NewMock()
	svc := newTestService(clients, deps, platform, mock, testConfig())

	done := make(chan struct{})
	defer close(done)
	advanceUntil(mock, time.Second, done)

	result, err := svc.Deploy(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success despite custom domain failure, got %+v", result)
	}
}

func TestDeleteClientSwallowsRemoteError(t *testing.T) {
	client, cfg := newTestClient(t, true)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	deps := newFakeDeploymentRepo()
	platform := &fakePlatform{
		deleteErr: &railway.APIError{Operation: "delete project", Status: 500, Message: "internal error"},
	}
	svc := newTestService(clients, deps, platform, clock.NewMock(), testConfig())

	if err := svc.DeleteClient(context.Background(), "client-1"); err != nil {
		t.Fatalf("expected remote failure to be swallowed, got %v", err)
	}
	if len(platform.deletedProjects) != 1 || platform.deletedProjects[0] != "proj-1" {
		t.Fatalf("expected remote delete attempt, got %v", platform.deletedProjects)
	}
	if len(clients.deleted) != 1 {
		t.Fatal("expected local rows removed despite remote failure")
	}
}

func TestDeleteClientSkipsRemoteWhenUnprovisioned(t *testing.T) {
	client, cfg := newTestClient(t, false)
	clients := &fakeClientRepo{client: client, cfg: cfg}
	platform := &fakePlatform{}
	svc := newTestService(clients, newFakeDeploymentRepo(), platform, clock.NewMock(), testConfig())

	if err := svc.DeleteClient(context.Background(), "client-1"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}
	if len(platform.deletedProjects) != 0 {
		t.Fatal("expected no remote delete for unprovisioned client")
	}
	if len(clients.deleted) != 1 {
		t.Fatal("expected local rows removed")
	}
}
