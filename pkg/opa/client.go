// Package opa evaluates dispatch policies with Open Policy Agent, either
// against a remote OPA server or with the embedded rego engine
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/pipeline"
)

// DispatchPath is the policy package that rules on response plans
const DispatchPath = "firegrid/dispatch"

// Client is an OPA API client
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ pipeline.DispatchPolicy = (*Client)(nil)

// NewClient creates a new OPA client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// QueryInput is the input for an OPA query
type QueryInput struct {
	Input interface{} `json:"input"`
}

// QueryResult is the result of an OPA query
type QueryResult struct {
	Result map[string]interface{} `json:"result"`
}

// Query evaluates a policy and returns the result
func (c *Client) Query(ctx context.Context, path string, input interface{}) (*QueryResult, error) {
	url := fmt.Sprintf("%s/v1/data/%s", c.baseURL, path)

	body, err := json.Marshal(QueryInput{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OPA returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

// Decide evaluates a policy and returns a structured decision
func (c *Client) Decide(ctx context.Context, policyPath string, input interface{}) (*messages.PolicyDecision, error) {
	result, err := c.Query(ctx, policyPath, input)
	if err != nil {
		return nil, err
	}
	if result.Result == nil {
		return nil, fmt.Errorf("policy %s is not loaded", policyPath)
	}
	return decisionFromResult(policyPath, result.Result), nil
}

// CheckDispatch rules on whether a response plan may be released to crews
func (c *Client) CheckDispatch(ctx context.Context, plan *messages.ResponsePlan) (*messages.PolicyDecision, error) {
	input, err := planInput(plan)
	if err != nil {
		return nil, err
	}
	return c.Decide(ctx, DispatchPath, input)
}

// Health checks if OPA is healthy
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OPA unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// planInput converts the plan into the plain JSON document policies see
func planInput(plan *messages.ResponsePlan) (map[string]interface{}, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return map[string]interface{}{"plan": doc}, nil
}

func decisionFromResult(policyPath string, result map[string]interface{}) *messages.PolicyDecision {
	decision := &messages.PolicyDecision{
		Metadata: map[string]string{"policy": policyPath},
	}

	if allowed, ok := result["allow"].(bool); ok {
		decision.Allowed = allowed
	} else if allowed, ok := result["allowed"].(bool); ok {
		decision.Allowed = allowed
	}

	decision.Violations = stringList(result["deny"])
	decision.Warnings = stringList(result["warnings"])
	if decision.Allowed {
		decision.Reasons = []string{"dispatch policy allowed release"}
	} else {
		decision.Reasons = decision.Violations
	}

	return decision
}

// stringList accepts both the array and object forms OPA uses for sets
func stringList(v interface{}) []string {
	var out []string
	switch items := v.(type) {
	case []interface{}:
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case map[string]interface{}:
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
