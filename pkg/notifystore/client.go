package notifystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// APIClient implements Querier over the notification service's HTTP API. The
// bearer token scopes every call to one user; the userID arguments exist to
// satisfy the Querier shape, ownership is enforced server-side.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *APIClient) SelectPage(ctx context.Context, _ uuid.UUID, limit, offset int) ([]Notification, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var body struct {
		Data []Notification `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *APIClient) SelectUnreadCount(ctx context.Context, _ uuid.UUID) (int, error) {
	var body struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// UpdateReadAt reports one affected row on success. The HTTP API answers 204
// whether or not the row was still unread, which collapses the zero-affected
// case into success; the store treats both the same way.
func (c *APIClient) UpdateReadAt(ctx context.Context, _ uuid.UUID, notificationID uuid.UUID, _ time.Time) (int64, error) {
	if err := c.do(ctx, http.MethodPatch, "/notifications/"+notificationID.String()+"/read", nil); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *APIClient) UpdateReadAtBulk(ctx context.Context, _ uuid.UUID, _ time.Time) (int64, error) {
	if err := c.do(ctx, http.MethodPatch, "/notifications/read-all", nil); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *APIClient) UpdateDeleted(ctx context.Context, _ uuid.UUID, notificationID uuid.UUID) (int64, error) {
	err := c.do(ctx, http.MethodDelete, "/notifications/"+notificationID.String(), nil)
	if err != nil {
		// An already-deleted row is a tombstone, not a failure.
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notification service returned status %d", e.Code)
}

func (c *APIClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
