package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/domain/score"
)

const httpClientBodyLimit = int64(1 << 20) // 1 MiB

// HTTPModelClient invokes a model's Tick/Predict endpoints over plain HTTP,
// addressing it by model ID against a shared model-runner host (every model
// deployment multiplexes on path, not on a dedicated host:port).
type HTTPModelClient struct {
	baseURL string
	modelID string
	client  *http.Client
}

// NewHTTPModelClient builds a client for modelID against baseURL (e.g.
// "http://model-runner:9090"). A nil httpClient gets a sensible default.
func NewHTTPModelClient(baseURL, modelID string, httpClient *http.Client) *HTTPModelClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPModelClient{baseURL: baseURL, modelID: modelID, client: httpClient}
}

// HTTPModelClientFactory builds an HTTPModelClient for every live model
// against a single configured model-runner host.
func HTTPModelClientFactory(baseURL string, httpClient *http.Client) ModelClientFactory {
	return func(m score.Model) (ModelClient, error) {
		return NewHTTPModelClient(baseURL, m.ID, httpClient), nil
	}
}

func (c *HTTPModelClient) Tick(ctx context.Context) error {
	_, err := c.post(ctx, "/tick", nil)
	return err
}

func (c *HTTPModelClient) Predict(ctx context.Context, input contract.InferenceInput) (contract.InferenceOutput, error) {
	body, err := c.post(ctx, "/predict", input)
	if err != nil {
		return nil, err
	}
	var output contract.InferenceOutput
	if err := json.Unmarshal(body, &output); err != nil {
		return nil, fmt.Errorf("predict: decode model output: %w", err)
	}
	return output, nil
}

func (c *HTTPModelClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("predict: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := fmt.Sprintf("%s/models/%s%s", c.baseURL, c.modelID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, fmt.Errorf("predict: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict: call model: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, httpClientBodyLimit)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("predict: read model response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("predict: model returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
