package deploy

import (
	"strings"
	"unicode"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/railway"
)

const (
	// databaseServiceName is referenced by the interpolation placeholders
	// below; renaming one without the other breaks DATABASE_URL.
	databaseServiceName = "Postgres"

	listenPort = "3000"

	// The database connection string is never resolved locally; the
	// platform interpolates it inside the provisioned environment.
	databaseURLReference = "postgresql://postgres:${{Postgres.POSTGRES_PASSWORD}}@${{Postgres.RAILWAY_PRIVATE_DOMAIN}}:5432/${{Postgres.POSTGRES_DB}}"
	authURLReference     = "https://${{RAILWAY_PUBLIC_DOMAIN}}"
)

// BuildEnvironmentVariables maps a client configuration to the flat
// variable list applied to its application service. The construction is
// pure: same input, same output, in a fixed order. Credential fields
// appear in plaintext only in the returned in-memory list.
func BuildEnvironmentVariables(cfg domain.ClientConfig) []railway.Variable {
	vars := []railway.Variable{
		{Key: "NODE_ENV", Value: "production"},
		{Key: "PORT", Value: listenPort},
		{Key: "DATABASE_URL", Value: databaseURLReference},
		{Key: "NEXTAUTH_URL", Value: authURLReference},
		{Key: "LENDPRO_API_URL", Value: cfg.LendPro.APIURL},
		{Key: "LENDPRO_USERNAME", Value: cfg.LendPro.Username},
		{Key: "LENDPRO_PASSWORD", Value: cfg.LendPro.Password},
		{Key: "LENDPRO_STORE_ID", Value: cfg.LendPro.StoreID},
		{Key: "LENDPRO_SALES_ID", Value: cfg.LendPro.SalesID},
		{Key: "LENDPRO_SALES_NAME", Value: cfg.LendPro.SalesName},
	}

	if cfg.CartOnly {
		vars = append(vars, railway.Variable{Key: "CART_ONLY_MODE", Value: "true"})
	}

	if cfg.Visualizer.Enabled {
		vars = append(vars,
			railway.Variable{Key: "VISUALIZER_ENABLED", Value: "true"},
			railway.Variable{Key: "VISUALIZER_EMBED_CODE", Value: cfg.Visualizer.EmbedCode},
			railway.Variable{Key: "VISUALIZER_SYNC_API_KEY", Value: cfg.Visualizer.SyncAPIKey},
		)
	}

	branding := []railway.Variable{
		{Key: "BRAND_PRIMARY_COLOR", Value: cfg.Branding.PrimaryColor},
		{Key: "BRAND_SECONDARY_COLOR", Value: cfg.Branding.SecondaryColor},
		{Key: "BRAND_COMPANY_NAME", Value: cfg.Branding.CompanyName},
		{Key: "BRAND_LOGO_URL", Value: cfg.Branding.LogoURL},
	}
	for _, v := range branding {
		if v.Value != "" {
			vars = append(vars, v)
		}
	}

	return vars
}

// deriveProjectName turns a client display name into the remote project
// name: lowercased, spaces replaced with hyphens, anything else
// non-alphanumeric dropped. A name with nothing usable left is rejected
// here rather than sent to the platform.
func deriveProjectName(name string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "", errEmptySlug
	}
	return slug, nil
}
