package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/plangraph/internal/allocation"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
)

// HTTPClient implements PlanClient using the plangraph HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Nodes ---

func (c *HTTPClient) CreateNode(ctx context.Context, req *CreateNodeRequest) (*model.Node, error) {
	var n model.Node
	if err := c.doJSON(ctx, http.MethodPost, "/v1/nodes", req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(id), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) ListNodes(ctx context.Context, req *ListNodesRequest) ([]*model.Node, error) {
	q := url.Values{}
	if len(req.Type) > 0 {
		types := make([]string, len(req.Type))
		for i, t := range req.Type {
			types[i] = string(t)
		}
		q.Set("type", strings.Join(types, ","))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	path := "/v1/nodes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Nodes []*model.Node `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *HTTPClient) Hierarchy(ctx context.Context, id string) (*model.HierarchyRelationship, error) {
	var resp struct {
		Hierarchy model.HierarchyRelationship `json:"hierarchy"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(id)+"/hierarchy", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Hierarchy, nil
}

// --- Allocation ---

func (c *HTTPClient) CostSummary(ctx context.Context, featureID string) (*model.CostSummary, error) {
	var sum model.CostSummary
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(featureID)+"/cost", nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *HTTPClient) TeamCapacity(ctx context.Context, teamID string) (*TeamCapacity, error) {
	var tc TeamCapacity
	if err := c.doJSON(ctx, http.MethodGet, "/v1/teams/"+url.PathEscape(teamID)+"/capacity", nil, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (c *HTTPClient) AllocationDetails(ctx context.Context, req *AllocationDetailsRequest) (*allocation.Details, error) {
	var d allocation.Details
	if err := c.doJSON(ctx, http.MethodPost, "/v1/allocation/details", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *HTTPClient) CheckOverAllocation(ctx context.Context, req *OverAllocationRequest) (*allocation.OverAllocation, error) {
	var o allocation.OverAllocation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/allocation/check", req, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// --- Sessions ---

func (c *HTTPClient) OpenSession(ctx context.Context, clientName string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", map[string]string{"client": clientName}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *HTTPClient) CloseSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
}

func (c *HTTPClient) Flush(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, sessionPath(sessionID)+"/flush", nil, nil)
}

func (c *HTTPClient) Mount(ctx context.Context, sessionID, nodeID string) (*NodeView, error) {
	var v NodeView
	if err := c.doJSON(ctx, http.MethodPost, sessionNodePath(sessionID, nodeID)+"/mount", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *HTTPClient) Edit(ctx context.Context, sessionID, nodeID string, changes map[string]any) (*NodeView, error) {
	var v NodeView
	if err := c.doJSON(ctx, http.MethodPatch, sessionNodePath(sessionID, nodeID), changes, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *HTTPClient) Unmount(ctx context.Context, sessionID, nodeID string) error {
	return c.doJSON(ctx, http.MethodDelete, sessionNodePath(sessionID, nodeID), nil, nil)
}

// --- Hierarchy ---

func (c *HTTPClient) SetParent(ctx context.Context, sessionID, childID string, req *SetParentRequest) (*rollup.Change, error) {
	var ch rollup.Change
	if err := c.doJSON(ctx, http.MethodPut, sessionNodePath(sessionID, childID)+"/parent", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *HTTPClient) RemoveParent(ctx context.Context, sessionID, childID string) (*rollup.Change, error) {
	var ch rollup.Change
	if err := c.doJSON(ctx, http.MethodDelete, sessionNodePath(sessionID, childID)+"/parent", nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *HTTPClient) Recalculate(ctx context.Context, sessionID, nodeID string, fields ...string) (*rollup.Result, error) {
	path := sessionNodePath(sessionID, nodeID) + "/recalculate"
	if len(fields) > 0 {
		path += "?" + url.Values{"fields": {strings.Join(fields, ",")}}.Encode()
	}
	var res rollup.Result
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func sessionPath(sessionID string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID)
}

func sessionNodePath(sessionID, nodeID string) string {
	return sessionPath(sessionID) + "/nodes/" + url.PathEscape(nodeID)
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content: success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
