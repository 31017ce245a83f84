// Package railway is a typed wrapper over the Railway GraphQL API, covering
// the provisioning operations the deployment orchestrator needs.
package railway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout  = 30 * time.Second
	readRetryCount  = 2
	readRetryDelay  = 500 * time.Millisecond
	maxErrorBodyLen = 2048

	// Every client's database service is created with the same database
	// name; the generated superuser password never leaves the platform.
	databaseName  = "storefront"
	databaseImage = "postgres:16-alpine"
)

// APIError represents a failed call against the Railway API. Transport
// failures, non-2xx responses, GraphQL error payloads and malformed bodies
// all surface through this one type so callers branch only on
// success/failure.
type APIError struct {
	Operation string
	Status    int // HTTP status; zero for transport failures
	Message   string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("railway: %s failed: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("railway: %s failed (HTTP %d): %s", e.Operation, e.Status, e.Message)
}

// Transient reports whether a retry could plausibly succeed.
func (e *APIError) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NotFound reports whether the platform no longer knows the resource.
func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound || strings.Contains(strings.ToLower(e.Message), "not found")
}

// Project is a provisioned Railway project with its default environment.
type Project struct {
	ID            string
	Name          string
	EnvironmentID string
}

// Service is a service under a project.
type Service struct {
	ID   string
	Name string
}

// ServiceSource binds a service to a source-code reference for
// build-from-source deployment.
type ServiceSource struct {
	Repo   string
	Branch string
}

// Variable is one environment variable key/value pair.
type Variable struct {
	Key   string
	Value string
}

// Deployment is an asynchronous build handle.
type Deployment struct {
	ID     string
	Status string
}

// DeploymentStatus is a point-in-time observation of a build.
type DeploymentStatus struct {
	Status string
	URL    string
}

// Remote status vocabulary as observed by this system. Anything neither
// succeeded nor failed is treated as in progress.
func StatusSucceeded(status string) bool {
	switch strings.ToUpper(status) {
	case "SUCCESS", "ACTIVE":
		return true
	}
	return false
}

func StatusFailed(status string) bool {
	switch strings.ToUpper(status) {
	case "FAILED", "CRASHED":
		return true
	}
	return false
}

// Client issues provisioning operations against the Railway API. It holds
// no state beyond the bearer credential and transport handle and is safe
// for concurrent use.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client for the given endpoint and bearer token.
func New(endpoint, token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateProject provisions a project named after the client. Name
// collisions are the platform's responsibility to reject.
func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	const query = `mutation ProjectCreate($name: String!) {
		projectCreate(input: { name: $name }) {
			id
			name
			environments { edges { node { id name } } }
		}
	}`
	var out struct {
		ProjectCreate struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			Environments struct {
				Edges []struct {
					Node struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"environments"`
		} `json:"projectCreate"`
	}
	if err := c.do(ctx, "create project", query, map[string]any{"name": name}, &out); err != nil {
		return Project{}, err
	}
	project := Project{ID: out.ProjectCreate.ID, Name: out.ProjectCreate.Name}
	for _, edge := range out.ProjectCreate.Environments.Edges {
		project.EnvironmentID = edge.Node.ID
		if strings.EqualFold(edge.Node.Name, "production") {
			break
		}
	}
	if project.ID == "" || project.EnvironmentID == "" {
		return Project{}, &APIError{Operation: "create project", Message: "response missing project or environment id"}
	}
	return project, nil
}

// CreateService creates an application service, optionally bound to a
// source repository and branch.
func (c *Client) CreateService(ctx context.Context, projectID, name string, source *ServiceSource) (Service, error) {
	input := map[string]any{"projectId": projectID, "name": name}
	if source != nil {
		input["source"] = map[string]any{"repo": source.Repo, "branch": source.Branch}
	}
	return c.createService(ctx, "create service", input)
}

// CreateDatabaseService creates a PostgreSQL service under the project and
// seeds it with a generated strong password and the fixed database name.
// The password is never returned; dependent services reference it through
// the platform's variable-interpolation syntax.
func (c *Client) CreateDatabaseService(ctx context.Context, projectID, environmentID, name string) (Service, error) {
	input := map[string]any{
		"projectId": projectID,
		"name":      name,
		"source":    map[string]any{"image": databaseImage},
	}
	service, err := c.createService(ctx, "create database service", input)
	if err != nil {
		return Service{}, err
	}

	password, err := generatePassword()
	if err != nil {
		return Service{}, &APIError{Operation: "create database service", Message: "generate password: " + err.Error()}
	}
	seed := []Variable{
		{Key: "POSTGRES_USER", Value: "postgres"},
		{Key: "POSTGRES_PASSWORD", Value: password},
		{Key: "POSTGRES_DB", Value: databaseName},
	}
	if err := c.SetVariables(ctx, projectID, environmentID, service.ID, seed); err != nil {
		return Service{}, err
	}
	return service, nil
}

func (c *Client) createService(ctx context.Context, op string, input map[string]any) (Service, error) {
	const query = `mutation ServiceCreate($input: ServiceCreateInput!) {
		serviceCreate(input: $input) { id name }
	}`
	var out struct {
		ServiceCreate struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"serviceCreate"`
	}
	if err := c.do(ctx, op, query, map[string]any{"input": input}, &out); err != nil {
		return Service{}, err
	}
	if out.ServiceCreate.ID == "" {
		return Service{}, &APIError{Operation: op, Message: "response missing service id"}
	}
	return Service{ID: out.ServiceCreate.ID, Name: out.ServiceCreate.Name}, nil
}

// SetVariables upserts environment variables on a service: existing keys
// are overwritten, others untouched.
func (c *Client) SetVariables(ctx context.Context, projectID, environmentID, serviceID string, variables []Variable) error {
	const query = `mutation VariableCollectionUpsert($input: VariableCollectionUpsertInput!) {
		variableCollectionUpsert(input: $input)
	}`
	values := make(map[string]string, len(variables))
	for _, v := range variables {
		values[v.Key] = v.Value
	}
	input := map[string]any{
		"projectId":     projectID,
		"environmentId": environmentID,
		"serviceId":     serviceID,
		"replace":       false,
		"variables":     values,
	}
	return c.do(ctx, "set variables", query, map[string]any{"input": input}, nil)
}

// TriggerDeployment initiates an asynchronous build of the service and
// returns immediately with a non-terminal status.
func (c *Client) TriggerDeployment(ctx context.Context, environmentID, serviceID string) (Deployment, error) {
	const query = `mutation ServiceInstanceDeploy($environmentId: String!, $serviceId: String!) {
		serviceInstanceDeployV2(environmentId: $environmentId, serviceId: $serviceId)
	}`
	var out struct {
		DeploymentID string `json:"serviceInstanceDeployV2"`
	}
	vars := map[string]any{"environmentId": environmentID, "serviceId": serviceID}
	if err := c.do(ctx, "trigger deployment", query, vars, &out); err != nil {
		return Deployment{}, err
	}
	if out.DeploymentID == "" {
		return Deployment{}, &APIError{Operation: "trigger deployment", Message: "response missing deployment id"}
	}
	return Deployment{ID: out.DeploymentID, Status: "QUEUED"}, nil
}

// GetDeploymentStatus reads the current status of a build. Transient
// failures are retried with a constant backoff; this query is read-only.
func (c *Client) GetDeploymentStatus(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	const query = `query Deployment($id: String!) {
		deployment(id: $id) { id status staticUrl }
	}`
	var out struct {
		Deployment struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			StaticURL string `json:"staticUrl"`
		} `json:"deployment"`
	}
	if err := c.doRead(ctx, "get deployment status", query, map[string]any{"id": deploymentID}, &out); err != nil {
		return DeploymentStatus{}, err
	}
	return DeploymentStatus{Status: out.Deployment.Status, URL: out.Deployment.StaticURL}, nil
}

// GetServiceDomain returns the first auto-assigned public hostname for the
// service, or empty while the platform has not assigned one yet.
func (c *Client) GetServiceDomain(ctx context.Context, environmentID, serviceID string) (string, error) {
	const query = `query Domains($environmentId: String!, $serviceId: String!) {
		domains(environmentId: $environmentId, serviceId: $serviceId) {
			serviceDomains { domain }
		}
	}`
	var out struct {
		Domains struct {
			ServiceDomains []struct {
				Domain string `json:"domain"`
			} `json:"serviceDomains"`
		} `json:"domains"`
	}
	vars := map[string]any{"environmentId": environmentID, "serviceId": serviceID}
	if err := c.doRead(ctx, "get service domain", query, vars, &out); err != nil {
		return "", err
	}
	if len(out.Domains.ServiceDomains) == 0 {
		return "", nil
	}
	return out.Domains.ServiceDomains[0].Domain, nil
}

// AddCustomDomain binds a custom domain to the service.
func (c *Client) AddCustomDomain(ctx context.Context, environmentID, serviceID, domain string) error {
	const query = `mutation CustomDomainCreate($input: CustomDomainCreateInput!) {
		customDomainCreate(input: $input) { id domain }
	}`
	input := map[string]any{
		"environmentId": environmentID,
		"serviceId":     serviceID,
		"domain":        domain,
	}
	return c.do(ctx, "add custom domain", query, map[string]any{"input": input}, nil)
}

// DeleteProject irreversibly tears down all services under the project.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	const query = `mutation ProjectDelete($id: String!) { projectDelete(id: $id) }`
	return c.do(ctx, "delete project", query, map[string]any{"id": projectID}, nil)
}

type gqlError struct {
	Message string `json:"message"`
}

// do issues one GraphQL request. Mutations go through here directly and
// are never retried.
func (c *Client) do(ctx context.Context, op, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return &APIError{Operation: op, Message: "encode request: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &APIError{Operation: op, Message: "create request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen*16))
	if err != nil {
		return &APIError{Operation: op, Status: resp.StatusCode, Message: "read response: " + err.Error()}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Operation: op, Status: resp.StatusCode, Message: truncate(string(body))}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &APIError{Operation: op, Status: resp.StatusCode, Message: "malformed response: " + truncate(string(body))}
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return &APIError{Operation: op, Status: resp.StatusCode, Message: strings.Join(messages, "; ")}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &APIError{Operation: op, Status: resp.StatusCode, Message: "malformed response data: " + err.Error()}
	}
	return nil
}

// doRead wraps do with a constant-interval retry for read-only queries.
func (c *Client) doRead(ctx context.Context, op, query string, variables map[string]any, out any) error {
	backoff := retry.WithMaxRetries(readRetryCount, retry.NewConstant(readRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.do(ctx, op, query, variables, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Transient() {
			if c.logger != nil {
				c.logger.Warn("railway read retrying", "operation", op, "error", err)
			}
			return retry.RetryableError(err)
		}
		return err
	})
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBodyLen {
		return s[:maxErrorBodyLen] + "..."
	}
	return s
}

func generatePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
