package client

import (
	"bytes"
	"context"
	"io"
	"testing"

	"log/slog"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/crypto"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

type fakeClientRepo struct {
	client *domain.Client
	cfg    *domain.ClientConfig
}

func (f *fakeClientRepo) CreateClient(ctx context.Context, client *domain.Client, cfg *domain.ClientConfig) error {
	copiedClient := *client
	copiedCfg := *cfg
	f.client = &copiedClient
	f.cfg = &copiedCfg
	return nil
}

func (f *fakeClientRepo) GetClientWithConfig(ctx context.Context, clientID string) (*domain.Client, *domain.ClientConfig, error) {
	if f.client == nil || f.client.ID != clientID {
		return nil, nil, repository.ErrNotFound
	}
	client := *f.client
	cfg := *f.cfg
	return &client, &cfg, nil
}

func (f *fakeClientRepo) ListClients(ctx context.Context) ([]domain.Client, error) {
	if f.client == nil {
		return nil, nil
	}
	return []domain.Client{*f.client}, nil
}

func (f *fakeClientRepo) UpsertClientConfig(ctx context.Context, cfg *domain.ClientConfig) error {
	copied := *cfg
	f.cfg = &copied
	return nil
}

func (f *fakeClientRepo) UpdateClientStatus(ctx context.Context, clientID, status string, handles *domain.PlatformHandles) error {
	return nil
}

func (f *fakeClientRepo) DeleteClientAndRelated(ctx context.Context, clientID string) error {
	return nil
}

type fakeAuditRepo struct {
	actions []string
}

func (f *fakeAuditRepo) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	f.actions = append(f.actions, entry.Action)
	return nil
}

func (f *fakeAuditRepo) ListAuditEntries(ctx context.Context, resourceType, resourceID string, limit int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newTestService(repo *fakeClientRepo) Service {
	return New(repo, &fakeAuditRepo{}, slog.New(slog.NewTextHandler(io.Discard, nil)), testMasterKey)
}

func validInput() CreateInput {
	return CreateInput{
		Name:   "Acme Furniture",
		Domain: "shop.acme.test",
		LendPro: LendProInput{
			Username:  "acme-user",
			Password:  "hunter2",
			APIURL:    "https://api.lendpro.test",
			StoreID:   "STORE-9",
			SalesID:   "SALES-4",
			SalesName: "Jane Seller",
		},
	}
}

func TestCreateEncryptsCredentialAtRest(t *testing.T) {
	repo := &fakeClientRepo{}
	svc := newTestService(repo)

	detail, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if repo.cfg.LendPro.Password != "" {
		t.Fatal("plaintext password must never reach the repository")
	}
	if len(repo.cfg.LendPro.PasswordCipher) == 0 {
		t.Fatal("expected ciphertext stored")
	}
	if bytes.Contains(repo.cfg.LendPro.PasswordCipher, []byte("hunter2")) {
		t.Fatal("stored token must not embed the plaintext")
	}
	plain, err := crypto.DecryptSecret(repo.cfg.LendPro.PasswordCipher, testMasterKey)
	if err != nil {
		t.Fatalf("stored token must decrypt: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
	if detail.Status != domain.ClientInactive {
		t.Fatalf("new client status = %q, want inactive", detail.Status)
	}
	if !detail.Config.LendPro.PasswordSet {
		t.Fatal("expected password_set in detail view")
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(&fakeClientRepo{})
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		want   error
	}{
		{"missing name", func(in *CreateInput) { in.Name = "  " }, errNameRequired},
		{"missing username", func(in *CreateInput) { in.LendPro.Username = "" }, errUsernameRequired},
		{"missing password", func(in *CreateInput) { in.LendPro.Password = "" }, errPasswordRequired},
		{"missing api url", func(in *CreateInput) { in.LendPro.APIURL = "" }, errAPIURLRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput()
			tc.mutate(&input)
			if _, err := svc.Create(context.Background(), input); err != tc.want {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestUpdateConfigKeepsCredentialWhenPasswordEmpty(t *testing.T) {
	repo := &fakeClientRepo{}
	svc := newTestService(repo)
	detail, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	original := append([]byte(nil), repo.cfg.LendPro.PasswordCipher...)

	edit := ConfigInput{LendPro: LendProInput{Username: "acme-user", APIURL: "https://api.lendpro.test", StoreID: "STORE-10"}}
	updated, err := svc.UpdateConfig(context.Background(), detail.ID, edit)
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if !bytes.Equal(repo.cfg.LendPro.PasswordCipher, original) {
		t.Fatal("empty password edit must keep the stored ciphertext")
	}
	if repo.cfg.LendPro.StoreID != "STORE-10" {
		t.Fatalf("store id not updated: %q", repo.cfg.LendPro.StoreID)
	}
	if !updated.Config.LendPro.PasswordSet {
		t.Fatal("expected credential still reported as set")
	}
}

func TestUpdateConfigRotatesCredential(t *testing.T) {
	repo := &fakeClientRepo{}
	svc := newTestService(repo)
	detail, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	original := append([]byte(nil), repo.cfg.LendPro.PasswordCipher...)

	edit := ConfigInput{LendPro: LendProInput{Username: "acme-user", Password: "rotated", APIURL: "https://api.lendpro.test"}}
	if _, err := svc.UpdateConfig(context.Background(), detail.ID, edit); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if bytes.Equal(repo.cfg.LendPro.PasswordCipher, original) {
		t.Fatal("expected a fresh ciphertext after rotation")
	}
	plain, err := crypto.DecryptSecret(repo.cfg.LendPro.PasswordCipher, testMasterKey)
	if err != nil || plain != "rotated" {
		t.Fatalf("rotated credential round trip failed: %q %v", plain, err)
	}
}

func TestDetailRedactsSecrets(t *testing.T) {
	repo := &fakeClientRepo{}
	svc := newTestService(repo)
	input := validInput()
	input.Visualizer = VisualizerInput{Enabled: true, EmbedCode: "<iframe/>", SyncAPIKey: "vk-123"}
	created, err := svc.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	detail, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !detail.Config.Visualizer.KeySet {
		t.Fatal("expected sync key reported as set")
	}
	if detail.Config.Visualizer.EmbedCode != "<iframe/>" {
		t.Fatalf("embed code missing from detail: %q", detail.Config.Visualizer.EmbedCode)
	}
}
