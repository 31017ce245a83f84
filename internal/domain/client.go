package domain

import "time"

// Client operational statuses. A client's status is mutated only by the
// deployment orchestrator or an explicit admin edit.
const (
	ClientInactive  = "inactive"
	ClientDeploying = "deploying"
	ClientActive    = "active"
	ClientFailed    = "failed"
)

// Client is a tenant whose storefront instance the portal provisions and
// tracks. Platform handles are populated only after a successful deployment.
type Client struct {
	ID        string
	Name      string
	Domain    string
	Status    string
	Handles   PlatformHandles
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlatformHandles are the remote platform identifiers a successful
// deployment leaves behind.
type PlatformHandles struct {
	ProjectID     string
	ProjectURL    string
	EnvironmentID string
	ServiceID     string
	ServiceURL    string
}

// Provisioned reports whether the client already has a remote project.
func (h PlatformHandles) Provisioned() bool {
	return h.ProjectID != ""
}

// ClientConfig is the immutable snapshot a deployment attempt works from.
// The LendPro password is stored encrypted; PasswordCipher holds the codec
// token and Password is populated in-memory only for the duration of a
// deploy.
type ClientConfig struct {
	ClientID string

	LendPro LendProConfig

	Branding   BrandingConfig
	CartOnly   bool
	Visualizer VisualizerConfig
}

// LendProConfig carries the third-party financing integration credentials.
type LendProConfig struct {
	Username       string
	Password       string
	PasswordCipher []byte
	APIURL         string
	StoreID        string
	SalesID        string
	SalesName      string
}

// BrandingConfig holds optional white-label fields; empty fields are
// omitted from the provisioned environment.
type BrandingConfig struct {
	PrimaryColor   string
	SecondaryColor string
	CompanyName    string
	LogoURL        string
}

// VisualizerConfig controls the optional room-visualizer embed.
type VisualizerConfig struct {
	Enabled    bool
	EmbedCode  string
	SyncAPIKey string
}
