package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scriptorlab/scriptor/internal/sync"
)

var (
	// ErrTransport marks a transient network failure: nothing was lost, dirty records
	// stay dirty and the next cycle retries.
	ErrTransport = errors.New("syncer: transport failure")

	// ErrRejected marks a wholesale batch rejection by the hub (malformed payload or
	// expired credential); retrying the identical request will not help.
	ErrRejected = errors.New("syncer: request rejected")
)

// Transport carries sync envelopes between the device and the hub.
type Transport interface {
	Push(ctx context.Context, request sync.PushRequest) (sync.SyncResponse, error)
	Pull(ctx context.Context, request sync.PullRequest) (sync.SyncResponse, error)
}

// HTTPTransport speaks the hub's JSON protocol over HTTP with a bearer credential.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport constructs a transport against the given hub base URL.
func NewHTTPTransport(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Push posts one batch and returns the hub's combined envelope.
func (t *HTTPTransport) Push(ctx context.Context, request sync.PushRequest) (sync.SyncResponse, error) {
	return t.post(ctx, "/sync/push", request)
}

// Pull asks for changes past the cursor without pushing anything.
func (t *HTTPTransport) Pull(ctx context.Context, request sync.PullRequest) (sync.SyncResponse, error) {
	return t.post(ctx, "/sync/pull", request)
}

func (t *HTTPTransport) post(ctx context.Context, path string, payload interface{}) (sync.SyncResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return sync.SyncResponse{}, fmt.Errorf("%w: encode: %v", ErrRejected, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return sync.SyncResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+t.token)

	response, err := t.client.Do(request)
	if err != nil {
		return sync.SyncResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode >= 400 && response.StatusCode < 500:
		return sync.SyncResponse{}, fmt.Errorf("%w: status %d", ErrRejected, response.StatusCode)
	default:
		return sync.SyncResponse{}, fmt.Errorf("%w: status %d", ErrTransport, response.StatusCode)
	}

	var decoded sync.SyncResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return sync.SyncResponse{}, fmt.Errorf("%w: decode: %v", ErrTransport, err)
	}
	return decoded, nil
}
