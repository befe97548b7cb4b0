package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/choreboard/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.NATS.StoreDir = t.TempDir()
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) (*App, string) {
	t.Helper()
	app, err := NewApp(cfg, "", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := app.Start(ctx); err != nil {
		cancel()
		app.Shutdown(context.Background())
		t.Fatalf("failed to start app: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve returned error: %v", err)
		}
		app.Shutdown(context.Background())
	})
	return app, "http://" + app.Addr()
}

func request(t *testing.T, method, url, user, password string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestAppStartStop(t *testing.T) {
	app, base := startApp(t, testConfig(t))

	// Verify components are initialized
	if app.natsClient == nil {
		t.Error("NATS client not initialized")
	}
	if app.js == nil {
		t.Error("JetStream not initialized")
	}
	if app.tasks == nil || app.users == nil {
		t.Error("stores not initialized")
	}
	if app.embeddedServer == nil {
		t.Error("Embedded NATS server not started")
	}

	resp, body := request(t, http.MethodGet, base+"/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected healthz 200, got %d: %s", resp.StatusCode, body)
	}
}

func TestAppTaskRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	app, base := startApp(t, cfg)
	ctx := context.Background()

	if err := app.users.Create(ctx, "rossy", "admin-pw"); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if err := app.users.Create(ctx, "juan", "juan-pw"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	resp, body := request(t, http.MethodPost, base+"/api/tasks", "rossy", "admin-pw", map[string]string{
		"name":        "Sweep",
		"description": "kitchen",
		"date":        "2030-01-15",
		"time":        "09:00",
		"assigned_to": "Juan",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != "pending" {
		t.Errorf("expected pending, got %s", created.Status)
	}

	resp, body = request(t, http.MethodPost, base+"/api/tasks/"+created.ID+"/complete", "juan", "juan-pw", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"status":"completed"`) {
		t.Errorf("expected completed task, got %s", body)
	}

	resp, body = request(t, http.MethodGet, base+"/api/admin/tasks?status=completed", "rossy", "admin-pw", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), created.ID) {
		t.Errorf("expected completed task in admin listing, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = request(t, http.MethodGet, base+"/api/tasks/month", "juan", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", resp.StatusCode)
	}

	// Lifecycle events land on the event stream
	stream, err := app.js.Stream(ctx, cfg.Storage.EventsStream)
	if err != nil {
		t.Fatalf("get event stream: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := stream.Info(ctx)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 lifecycle events, got %d", info.State.Msgs)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp, body = request(t, http.MethodGet, base+"/metrics", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `choreboard_lifecycle_operations_total{operation="complete",outcome="ok"} 1`) {
		t.Errorf("expected complete counter in metrics output")
	}
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Policy.AdminUsername = ""
	if _, err := NewApp(cfg, "", nil); err == nil {
		t.Error("expected invalid config to be rejected")
	}
}

func TestServeBeforeStart(t *testing.T) {
	app, err := NewApp(config.DefaultConfig(), "", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Serve(context.Background()); err == nil {
		t.Error("expected error serving an app that was not started")
	}
}
