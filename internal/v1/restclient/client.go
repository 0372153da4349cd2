// Package restclient implements the outbound REST collaborators (spec §6):
// the user-lookup and project-access/membership checks the Session Gate
// and Annotation Broadcaster consult, each guarded by a circuit breaker.
package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/sony/gobreaker"
)

// ErrUserNotFound is returned when GET /api/users/{id} (or the membership
// lookup) responds with any status of 400 or above, 5xx included.
var ErrUserNotFound = errors.New("restclient: user not found")

// ErrUpstreamUnavailable wraps gobreaker.ErrOpenState with the collaborator's name.
var ErrUpstreamUnavailable = errors.New("restclient: upstream unavailable")

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 60 * time.Second
	requestTimeout          = 3 * time.Second
)

// Client calls the canonical REST API that owns project/annotation storage.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userCB     *gobreaker.CircuitBreaker
	accessCB   *gobreaker.CircuitBreaker
}

// New builds a Client against baseURL (spec config var REST_API_URL), with
// one circuit breaker for user lookups and one shared by the access and
// membership checks, so a degraded access-check endpoint doesn't also trip
// user lookups.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		userCB:     newBreaker("rest-users"),
		accessCB:   newBreaker("rest-access"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})
}

// GetUser resolves a user record by id (spec §6: GET /api/users/{id}).
func (c *Client) GetUser(ctx context.Context, userID string) (wire.User, error) {
	result, err := c.userCB.Execute(func() (any, error) {
		var user wire.User
		status, getErr := c.getJSON(ctx, fmt.Sprintf("/api/users/%s", userID), &user)
		if getErr != nil {
			return wire.User{}, getErr
		}
		if status >= 400 {
			return wire.User{}, ErrUserNotFound
		}
		return user, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return wire.User{}, ErrUpstreamUnavailable
		}
		return wire.User{}, err
	}
	return result.(wire.User), nil
}

// CheckAccess reports whether userID has access to projectID (spec §6:
// GET /api/projects/{id}/access/{userId}, 2xx allows join).
func (c *Client) CheckAccess(ctx context.Context, projectID, userID string) (bool, error) {
	result, err := c.accessCB.Execute(func() (any, error) {
		status, getErr := c.getJSON(ctx, fmt.Sprintf("/api/projects/%s/access/%s", projectID, userID), nil)
		if getErr != nil {
			return false, getErr
		}
		return status >= 200 && status < 300, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return false, ErrUpstreamUnavailable
		}
		return false, err
	}
	return result.(bool), nil
}

// Membership is the detail returned by the project-membership collaborator.
type Membership struct {
	Role   wire.RoleType `json:"role"`
	Active bool          `json:"active"`
}

// GetMembership resolves a user's membership detail within a project (spec
// §6: GET /api/projects/{id}/members/{userId}).
func (c *Client) GetMembership(ctx context.Context, projectID, userID string) (Membership, error) {
	result, err := c.accessCB.Execute(func() (any, error) {
		var m Membership
		status, getErr := c.getJSON(ctx, fmt.Sprintf("/api/projects/%s/members/%s", projectID, userID), &m)
		if getErr != nil {
			return Membership{}, getErr
		}
		if status >= 400 {
			return Membership{}, ErrUserNotFound
		}
		return m, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return Membership{}, ErrUpstreamUnavailable
		}
		return Membership{}, err
	}
	return result.(Membership), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Check implements health.RESTChecker by probing breaker state rather than
// issuing a live request, matching the cluster adapter's own Ping contract
// of reporting current health without generating load.
func (c *Client) Check(ctx context.Context) string {
	if c.userCB.State() == gobreaker.StateOpen || c.accessCB.State() == gobreaker.StateOpen {
		return "unhealthy"
	}
	return "healthy"
}
