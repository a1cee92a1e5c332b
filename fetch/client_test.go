package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-live/domain"
)

type stubCredentials struct {
	token    string
	expired  atomic.Int32
	expireFn func()
}

func (s *stubCredentials) Credential() (string, bool) {
	if s.token == "" || s.expired.Load() > 0 {
		return "", false
	}
	return s.token, true
}

func (s *stubCredentials) Expire() {
	s.expired.Add(1)
	if s.expireFn != nil {
		s.expireFn()
	}
}

func newTestServer(t *testing.T, register func(e *echo.Echo)) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.HideBanner = true
	register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, creds Credentials, cfg Config) *Client {
	logger, _ := test.NewNullLogger()
	cfg.BaseURL = srv.URL
	return New(cfg, creds, logger)
}

func TestRequestAttachesBearer(t *testing.T) {
	var auth string
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/ping", func(c echo.Context) error {
			auth = c.Request().Header.Get("Authorization")
			return c.JSON(http.StatusOK, map[string]any{"success": true})
		})
	})
	client := newTestClient(srv, &stubCredentials{token: "tok"}, Config{})

	if err := client.Request(context.Background(), "/api/ping", Options{}, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if auth != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", auth)
	}
}

func TestPublicRequestOmitsBearer(t *testing.T) {
	auth := "unset"
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/health", func(c echo.Context) error {
			auth = c.Request().Header.Get("Authorization")
			return c.NoContent(http.StatusNoContent)
		})
	})
	client := newTestClient(srv, &stubCredentials{token: "tok"}, Config{})

	if err := client.Request(context.Background(), "/api/health", Options{Public: true}, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if auth != "" {
		t.Fatalf("expected no authorization header, got %q", auth)
	}
}

func TestUnauthorizedExpiresSessionWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/projects", func(c echo.Context) error {
			calls.Add(1)
			return c.JSON(http.StatusUnauthorized, map[string]any{"success": false, "message": "token expired"})
		})
	})
	creds := &stubCredentials{token: "tok"}
	client := newTestClient(srv, creds, Config{ReadRetries: 3})

	err := client.Request(context.Background(), "/api/projects", Options{}, nil)
	if !IsAuthExpired(err) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if err.Error() != "token expired" {
		t.Fatalf("expected server message, got %q", err.Error())
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt, got %d", calls.Load())
	}
	if creds.expired.Load() != 1 {
		t.Fatalf("expected session to be expired once, got %d", creds.expired.Load())
	}
	if _, ok := creds.Credential(); ok {
		t.Fatal("expected credential to be cleared")
	}
}

func TestGetRetriedOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/projects", func(c echo.Context) error {
			if calls.Add(1) == 1 {
				return c.JSON(http.StatusServiceUnavailable, map[string]any{"success": false, "message": "busy"})
			}
			return c.JSON(http.StatusOK, map[string]any{"success": true, "items": []any{}})
		})
	})
	client := newTestClient(srv, &stubCredentials{token: "tok"}, Config{ReadRetries: 1})

	var out domain.ListResponse[domain.Project]
	if err := client.Request(context.Background(), "/api/projects", Options{}, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if calls.Load() != 2 || !out.Success {
		t.Fatalf("expected retry to succeed, calls=%d success=%v", calls.Load(), out.Success)
	}
}

func TestGetGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/projects", func(c echo.Context) error {
			calls.Add(1)
			return c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "message": "database down"})
		})
	})
	client := newTestClient(srv, nil, Config{ReadRetries: 1})

	err := client.Request(context.Background(), "/api/projects", Options{}, nil)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindServer || fe.Status != http.StatusInternalServerError {
		t.Fatalf("expected server error, got %#v", err)
	}
	if fe.Message != "database down" {
		t.Fatalf("unexpected message %q", fe.Message)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestMutationNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(e *echo.Echo) {
		e.POST("/api/projects", func(c echo.Context) error {
			calls.Add(1)
			return c.String(http.StatusBadGateway, "upstream unavailable")
		})
	})
	client := newTestClient(srv, nil, Config{ReadRetries: 2})

	_, err := Mutate[domain.Project](context.Background(), client, http.MethodPost, "/api/projects", map[string]string{"name": "p"})
	if KindOf(err) != KindServer {
		t.Fatalf("expected server error, got %v", err)
	}
	if err.Error() != "upstream unavailable" {
		t.Fatalf("expected body text as message, got %q", err.Error())
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt, got %d", calls.Load())
	}
}

func TestErrorKinds(t *testing.T) {
	srv := newTestServer(t, func(e *echo.Echo) {
		e.PATCH("/api/tasks/:id", func(c echo.Context) error {
			if c.Param("id") == "missing" {
				return c.JSON(http.StatusNotFound, map[string]any{"success": false, "message": "task not found"})
			}
			return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": "title is required"})
		})
	})
	client := newTestClient(srv, nil, Config{})

	_, err := Mutate[domain.Task](context.Background(), client, http.MethodPatch, "/api/tasks/missing", map[string]string{})
	if !IsNotFound(err) || err.Error() != "task not found" {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = Mutate[domain.Task](context.Background(), client, http.MethodPatch, "/api/tasks/t1", map[string]string{"title": ""})
	if KindOf(err) != KindValidation || err.Error() != "title is required" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNetworkFailureDistinguished(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	logger, _ := test.NewNullLogger()
	client := New(Config{BaseURL: base, ReadRetries: 0}, nil, logger)

	err := client.Request(context.Background(), "/api/projects", Options{}, nil)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if err.Error() != "failed to reach server" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/slow", func(c echo.Context) error {
			calls.Add(1)
			select {
			case <-time.After(time.Second):
			case <-c.Request().Context().Done():
			}
			return c.NoContent(http.StatusOK)
		})
	})
	client := newTestClient(srv, nil, Config{Timeout: 50 * time.Millisecond, ReadRetries: 1})

	start := time.Now()
	err := client.Request(context.Background(), "/api/slow", Options{}, nil)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error on timeout, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected read to be retried once, got %d", calls.Load())
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("expected attempts to be bounded by timeout, took %v", time.Since(start))
	}
}

func TestListPageSendsCursorLimitAndFilters(t *testing.T) {
	var query url.Values
	srv := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/projects/:id/tasks", func(c echo.Context) error {
			query = c.QueryParams()
			next := "t2"
			return c.JSON(http.StatusOK, domain.ListResponse[domain.Task]{
				Success:    true,
				Items:      []domain.Task{{ID: "t1", Title: "one"}, {ID: "t2", Title: "two"}},
				Pagination: domain.Pagination{HasMore: true, NextCursor: &next},
			})
		})
	})
	client := newTestClient(srv, nil, Config{})

	filters := url.Values{"status": []string{"todo"}}
	resp, err := ListPage[domain.Task](context.Background(), client, "/api/projects/p1/tasks", filters, "t0", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if query.Get("cursor") != "t0" || query.Get("limit") != "2" || query.Get("status") != "todo" {
		t.Fatalf("unexpected query: %v", query)
	}
	if len(resp.Items) != 2 || !resp.Pagination.HasMore || resp.Pagination.Cursor() != "t2" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if filters.Get("cursor") != "" {
		t.Fatal("expected caller filters to be left untouched")
	}
}

func TestMutateSuccessFalse(t *testing.T) {
	srv := newTestServer(t, func(e *echo.Echo) {
		e.POST("/api/projects", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]any{"success": false, "message": "name taken"})
		})
	})
	client := newTestClient(srv, nil, Config{})

	_, err := Mutate[domain.Project](context.Background(), client, http.MethodPost, "/api/projects", map[string]string{"name": "p"})
	if KindOf(err) != KindValidation || err.Error() != "name taken" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMutateDecodesItem(t *testing.T) {
	var body map[string]any
	srv := newTestServer(t, func(e *echo.Echo) {
		e.POST("/api/projects/:id/tasks", func(c echo.Context) error {
			if err := c.Bind(&body); err != nil {
				return err
			}
			return c.JSON(http.StatusCreated, map[string]any{
				"success": true,
				"item":    map[string]any{"id": "srv-1", "projectId": c.Param("id"), "title": body["title"]},
			})
		})
	})
	logger, hook := test.NewNullLogger()
	client := New(Config{BaseURL: srv.URL}, nil, logger)

	item, err := Mutate[domain.Task](context.Background(), client, http.MethodPost, "/api/projects/p1/tasks", map[string]string{"title": "write"})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if item == nil || item.ID != "srv-1" || item.ProjectID != "p1" || item.Title != "write" {
		t.Fatalf("unexpected item %#v", item)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.InfoLevel {
		t.Fatalf("expected info request log, got %#v", entry)
	}
}
