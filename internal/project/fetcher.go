package project

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"inlet/internal/constants"
	"inlet/internal/logger"
	"inlet/pkg/circuitbreaker"
)

const projectConfigsPath = "/api/0/relays/projectconfigs/"

// HTTPFetcher resolves project states from the upstream config endpoint.
// The request body carries a project id list so a future batching layer
// can reuse the same wire shape. It performs no retries of its own: the
// cache schedules retries across accesses.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Wrapper
	logger  logger.Logger
}

type fetchRequest struct {
	Projects []string `json:"projects"`
}

type fetchResponse struct {
	Configs map[string]*State `json:"configs"`
}

func NewHTTPFetcher(baseURL string, client *http.Client, breaker *circuitbreaker.Wrapper, log logger.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  client,
		breaker: breaker,
		logger:  log,
	}
}

func (f *HTTPFetcher) FetchProjectState(ctx context.Context, id ID) (*State, error) {
	if f.breaker == nil {
		return f.fetch(ctx, id)
	}

	// A 404 is a definitive upstream answer, not a failure; it must not
	// trip the breaker.
	type fetchResult struct {
		state    *State
		notFound bool
	}

	result, err := f.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		state, err := f.fetch(ctx, id)
		if errors.Is(err, ErrProjectNotFound) {
			return fetchResult{notFound: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return fetchResult{state: state}, nil
	})
	if err != nil {
		return nil, err
	}

	fr := result.(fetchResult)
	if fr.notFound {
		return nil, ErrProjectNotFound
	}
	return fr.state, nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, id ID) (*State, error) {
	body, err := json.Marshal(fetchRequest{Projects: []string{id.String()}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+projectConfigsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create config request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrProjectNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("config endpoint returned status %d", resp.StatusCode)
	}

	var parsed fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	state, ok := parsed.Configs[id.String()]
	if !ok || state == nil {
		// The endpoint answers 200 with a null entry for projects it
		// does not know.
		return nil, ErrProjectNotFound
	}

	return state, nil
}
