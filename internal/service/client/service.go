// Package client manages the tenant roster: creation, lookup and
// configuration edits. Partner credentials are encrypted here before they
// ever reach the repository; nothing in this package can read one back.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/crypto"
)

var (
	errNameRequired     = errors.New("client name is required")
	errUsernameRequired = errors.New("lendpro username is required")
	errPasswordRequired = errors.New("lendpro password is required")
	errAPIURLRequired   = errors.New("lendpro api url is required")
	errMissingClientID  = errors.New("client id required")
)

// LendProInput carries partner portal credentials and identifiers.
type LendProInput struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIURL    string `json:"api_url"`
	StoreID   string `json:"store_id"`
	SalesID   string `json:"sales_id"`
	SalesName string `json:"sales_name"`
}

// BrandingInput holds optional white-label overrides.
type BrandingInput struct {
	PrimaryColor   string `json:"primary_color"`
	SecondaryColor string `json:"secondary_color"`
	CompanyName    string `json:"company_name"`
	LogoURL        string `json:"logo_url"`
}

// VisualizerInput configures the embedded room visualizer.
type VisualizerInput struct {
	Enabled    bool   `json:"enabled"`
	EmbedCode  string `json:"embed_code"`
	SyncAPIKey string `json:"sync_api_key"`
}

// CreateInput encapsulates client creation attributes.
type CreateInput struct {
	Name       string          `json:"name"`
	Domain     string          `json:"domain"`
	LendPro    LendProInput    `json:"lendpro"`
	Branding   BrandingInput   `json:"branding"`
	CartOnly   bool            `json:"cart_only"`
	Visualizer VisualizerInput `json:"visualizer"`
}

// ConfigInput carries a configuration edit. An empty Password keeps the
// stored credential; a non-empty one replaces it.
type ConfigInput struct {
	LendPro    LendProInput    `json:"lendpro"`
	Branding   BrandingInput   `json:"branding"`
	CartOnly   bool            `json:"cart_only"`
	Visualizer VisualizerInput `json:"visualizer"`
}

// View is the list/detail representation of a client. Credentials never
// appear here, only whether one is stored.
type View struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain,omitempty"`
	Status     string    `json:"status"`
	ProjectID  string    `json:"project_id,omitempty"`
	ProjectURL string    `json:"project_url,omitempty"`
	ServiceURL string    `json:"service_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConfigView mirrors the stored configuration minus secret material.
type ConfigView struct {
	LendPro struct {
		Username    string `json:"username"`
		APIURL      string `json:"api_url"`
		StoreID     string `json:"store_id"`
		SalesID     string `json:"sales_id"`
		SalesName   string `json:"sales_name"`
		PasswordSet bool   `json:"password_set"`
	} `json:"lendpro"`
	Branding   BrandingInput `json:"branding"`
	CartOnly   bool          `json:"cart_only"`
	Visualizer struct {
		Enabled   bool   `json:"enabled"`
		EmbedCode string `json:"embed_code,omitempty"`
		KeySet    bool   `json:"sync_api_key_set"`
	} `json:"visualizer"`
}

// Detail couples a client view with its configuration.
type Detail struct {
	View
	Config ConfigView `json:"config"`
}

// Service orchestrates client roster management.
type Service struct {
	clients   repository.ClientRepository
	audits    repository.AuditRepository
	logger    *slog.Logger
	masterKey []byte
}

// New returns a client service.
func New(clients repository.ClientRepository, audits repository.AuditRepository, logger *slog.Logger, masterKey []byte) Service {
	return Service{clients: clients, audits: audits, logger: logger, masterKey: masterKey}
}

// Create registers a new client with its deployment configuration. The
// partner password is encrypted before the repository sees it.
func (s Service) Create(ctx context.Context, input CreateInput) (*Detail, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errNameRequired
	}
	if strings.TrimSpace(input.LendPro.Username) == "" {
		return nil, errUsernameRequired
	}
	if input.LendPro.Password == "" {
		return nil, errPasswordRequired
	}
	if strings.TrimSpace(input.LendPro.APIURL) == "" {
		return nil, errAPIURLRequired
	}

	now := time.Now().UTC()
	client := &domain.Client{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(input.Name),
		Domain:    strings.TrimSpace(input.Domain),
		Status:    domain.ClientInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cfg, err := s.buildConfig(client.ID, ConfigInput{
		LendPro:    input.LendPro,
		Branding:   input.Branding,
		CartOnly:   input.CartOnly,
		Visualizer: input.Visualizer,
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := s.clients.CreateClient(ctx, client, cfg); err != nil {
		return nil, err
	}
	s.audit(ctx, "client.created", client.ID, map[string]any{"name": client.Name})
	s.logger.Info("client created", "client_id", client.ID, "name", client.Name)
	return detailOf(client, cfg), nil
}

// Get returns client details by identifier.
func (s Service) Get(ctx context.Context, clientID string) (*Detail, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errMissingClientID
	}
	client, cfg, err := s.clients.GetClientWithConfig(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return detailOf(client, cfg), nil
}

// List returns the full client roster.
func (s Service) List(ctx context.Context) ([]View, error) {
	clients, err := s.clients.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(clients))
	for i := range clients {
		views = append(views, viewOf(&clients[i]))
	}
	return views, nil
}

// UpdateConfig replaces a client's deployment configuration. The stored
// credential survives edits that leave the password field empty.
func (s Service) UpdateConfig(ctx context.Context, clientID string, input ConfigInput) (*Detail, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(input.LendPro.Username) == "" {
		return nil, errUsernameRequired
	}
	if strings.TrimSpace(input.LendPro.APIURL) == "" {
		return nil, errAPIURLRequired
	}
	client, existing, err := s.clients.GetClientWithConfig(ctx, clientID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.buildConfig(clientID, input, existing)
	if err != nil {
		return nil, err
	}
	if err := s.clients.UpsertClientConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.audit(ctx, "client.config_updated", clientID, map[string]any{"password_rotated": input.LendPro.Password != ""})
	s.logger.Info("client config updated", "client_id", clientID)
	return detailOf(client, cfg), nil
}

// ListAudit returns recent audit entries for a client.
func (s Service) ListAudit(ctx context.Context, clientID string, limit int) ([]domain.AuditEntry, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errMissingClientID
	}
	return s.audits.ListAuditEntries(ctx, "client", clientID, limit)
}

// buildConfig maps an input to a storable configuration, encrypting the
// password when one is supplied and carrying the previous ciphertext
// forward otherwise.
func (s Service) buildConfig(clientID string, input ConfigInput, previous *domain.ClientConfig) (*domain.ClientConfig, error) {
	cfg := &domain.ClientConfig{
		ClientID: clientID,
		LendPro: domain.LendProConfig{
			Username:  strings.TrimSpace(input.LendPro.Username),
			APIURL:    strings.TrimSpace(input.LendPro.APIURL),
			StoreID:   strings.TrimSpace(input.LendPro.StoreID),
			SalesID:   strings.TrimSpace(input.LendPro.SalesID),
			SalesName: strings.TrimSpace(input.LendPro.SalesName),
		},
		Branding: domain.BrandingConfig{
			PrimaryColor:   strings.TrimSpace(input.Branding.PrimaryColor),
			SecondaryColor: strings.TrimSpace(input.Branding.SecondaryColor),
			CompanyName:    strings.TrimSpace(input.Branding.CompanyName),
			LogoURL:        strings.TrimSpace(input.Branding.LogoURL),
		},
		CartOnly: input.CartOnly,
		Visualizer: domain.VisualizerConfig{
			Enabled:    input.Visualizer.Enabled,
			EmbedCode:  input.Visualizer.EmbedCode,
			SyncAPIKey: strings.TrimSpace(input.Visualizer.SyncAPIKey),
		},
	}
	switch {
	case input.LendPro.Password != "":
		token, err := crypto.EncryptSecret(input.LendPro.Password, s.masterKey)
		if err != nil {
			return nil, err
		}
		cfg.LendPro.PasswordCipher = token
	case previous != nil:
		cfg.LendPro.PasswordCipher = previous.LendPro.PasswordCipher
	default:
		return nil, errPasswordRequired
	}
	return cfg, nil
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
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.audits.AppendAuditEntry(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "action", action, "client_id", clientID, "error", err)
	}
}

func viewOf(client *domain.Client) View {
	return View{
		ID:         client.ID,
		Name:       client.Name,
		Domain:     client.Domain,
		Status:     client.Status,
		ProjectID:  client.Handles.ProjectID,
		ProjectURL: client.Handles.ProjectURL,
		ServiceURL: client.Handles.ServiceURL,
		CreatedAt:  client.CreatedAt,
		UpdatedAt:  client.UpdatedAt,
	}
}

func detailOf(client *domain.Client, cfg *domain.ClientConfig) *Detail {
	detail := &Detail{View: viewOf(client)}
	if cfg == nil {
		return detail
	}
	detail.Config.LendPro.Username = cfg.LendPro.Username
	detail.Config.LendPro.APIURL = cfg.LendPro.APIURL
	detail.Config.LendPro.StoreID = cfg.LendPro.StoreID
	detail.Config.LendPro.SalesID = cfg.LendPro.SalesID
	detail.Config.LendPro.SalesName = cfg.LendPro.SalesName
	detail.Config.LendPro.PasswordSet = len(cfg.LendPro.PasswordCipher) > 0
	detail.Config.Branding = BrandingInput{
		PrimaryColor:   cfg.Branding.PrimaryColor,
		SecondaryColor: cfg.Branding.SecondaryColor,
		CompanyName:    cfg.Branding.CompanyName,
		LogoURL:        cfg.Branding.LogoURL,
	}
	detail.Config.CartOnly = cfg.CartOnly
	detail.Config.Visualizer.Enabled = cfg.Visualizer.Enabled
	detail.Config.Visualizer.EmbedCode = cfg.Visualizer.EmbedCode
	detail.Config.Visualizer.KeySet = cfg.Visualizer.SyncAPIKey != ""
	return detail
}
