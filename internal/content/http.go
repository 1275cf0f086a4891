package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ifuryst/tideline/internal/models"
)

// HTTPRepository drives a content service over its REST API.
type HTTPRepository struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPRepository(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPRepository {
	tr := &http.Transport{
		IdleConnTimeout:       120 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &HTTPRepository{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Transport: tr,
			Timeout:   timeout,
		},
		logger: logger,
	}
}

func (r *HTTPRepository) Name() string { return "http" }

func (r *HTTPRepository) Publish(ctx context.Context, contentID string) error {
	return r.apply(ctx, contentID, models.ActionPublish)
}

func (r *HTTPRepository) Unpublish(ctx context.Context, contentID string) error {
	return r.apply(ctx, contentID, models.ActionUnpublish)
}

func (r *HTTPRepository) Archive(ctx context.Context, contentID string) error {
	return r.apply(ctx, contentID, models.ActionArchive)
}

func (r *HTTPRepository) apply(ctx context.Context, contentID string, action models.Action) error {
	endpoint := fmt.Sprintf("%s/content/%s/%s", r.baseURL, url.PathEscape(contentID), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already in the requested state.
		r.logger.Info("Content already in target state",
			zap.String("content_id", contentID),
			zap.String("action", string(action)))
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return errors.Wrapf(ErrContentNotFound, "content %s (status %d)", contentID, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf("content API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (r *HTTPRepository) Validate(ctx context.Context) (*ValidationReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/validate", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf("content API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var report ValidationReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}
	return &report, nil
}

func (r *HTTPRepository) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.Header.Set("Accept", "application/json")
}
