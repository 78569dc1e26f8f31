package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/api/middleware"
	"github.com/phrazzld/promptd/internal/config"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const analysis = `---KEYWORDS---
sword, red, weapon
---IMPROVED---
A vivid red sword, gleaming
---CATEGORIES---
Framing: close-up`

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": analysis}}},
		})
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(providerURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, LogLevel: "debug", ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{
			Driver:       "memory",
			MaxOpenConns: 1,
			LockTimeout:  time.Second,
		},
		Auth: config.AuthConfig{JWTSecret: strings.Repeat("s", 32)},
		Provider: config.ProviderConfig{
			APIKey:            "sk-test-key-123456",
			BaseURL:           providerURL,
			ChatModel:         "gpt-test",
			EmbeddingModel:    "embed-test",
			Temperature:       0.7,
			MaxTokens:         2048,
			HTTPTimeout:       5 * time.Second,
			RequestsPerSecond: 100,
			Burst:             100,
		},
		Queue: config.QueueConfig{
			Backend:            "memory",
			Exchange:           "prompt-exchange",
			Queue:              "prompt-queue",
			DeadLetterExchange: "prompt-dlx",
			DeadLetterQueue:    "prompt-dlq",
			MessageTTL:         300 * time.Second,
			VisibilityTimeout:  5 * time.Second,
			MaxDeliveries:      3,
			BackoffInitial:     10 * time.Millisecond,
			BackoffMultiplier:  2,
			BackoffMax:         50 * time.Millisecond,
			Prefetch:           1,
		},
		Processor: config.ProcessorConfig{
			Consumers:   2,
			CallTimeout: 5 * time.Second,
		},
	}
}

func TestApplicationProcessesPromptEndToEnd(t *testing.T) {
	log, _ := logger.NewTestLogger(t)
	cfg := testConfig(fakeProvider(t).URL)

	app, err := newApplication(context.Background(), cfg, log)
	require.NoError(t, err)
	require.NoError(t, app.pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.pool.Stop(ctx)
		app.cleanup()
	})

	auth, err := middleware.NewAuthenticator(cfg.Auth.JWTSecret, nil)
	require.NoError(t, err)
	token, err := auth.Issue(uuid.New(), time.Hour)
	require.NoError(t, err)

	call := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		app.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/v1/prompts", `{"originalPrompt":"a red sword"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		PromptID string `json:"promptId"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "PENDING", created.Status)

	var status struct {
		Status         string   `json:"status"`
		ImprovedPrompt string   `json:"improvedPrompt"`
		Keywords       []string `json:"keywords"`
	}
	require.Eventually(t, func() bool {
		rec := call(http.MethodGet, "/v1/prompts/"+created.PromptID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status == "COMPLETED"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "A vivid red sword, gleaming", status.ImprovedPrompt)
	assert.Equal(t, []string{"sword", "red", "weapon"}, status.Keywords)

	health := httptest.NewRecorder()
	app.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"queue":"ok"}}`, health.Body.String())
}

func TestOpenBrokerRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig("http://localhost").Queue
	cfg.Backend = "kafka"
	_, err := openBroker(context.Background(), cfg, logger.FromContextOrDefault(context.Background(), nil), nil)
	assert.ErrorContains(t, err, `unknown queue backend "kafka"`)
}

func TestNewApplicationRejectsUnknownDriver(t *testing.T) {
	log, _ := logger.NewTestLogger(t)
	cfg := testConfig("http://localhost")
	cfg.Database.Driver = "sqlite"
	_, err := newApplication(context.Background(), cfg, log)
	assert.ErrorContains(t, err, `unknown database driver "sqlite"`)
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	log, _ := logger.NewTestLogger(t)
	cfg := testConfig(fakeProvider(t).URL)
	cfg.Server.Port = 0

	app, err := newApplication(context.Background(), cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx) }()

	require.Eventually(t, func() bool { return app.pool.Running() == cfg.Processor.Consumers },
		2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, 0, app.pool.Running())
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("PROMPTD_AUTH_JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("PROMPTD_PROVIDER_API_KEY", "sk-test-key-123456")
	t.Setenv("PROMPTD_DATABASE_DRIVER", "memory")
	t.Setenv("PROMPTD_QUEUE_BACKEND", "memory")

	owner := uuid.New()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--owner", owner.String(), "--ttl", "5m"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	auth, err := middleware.NewAuthenticator(strings.Repeat("k", 32), nil)
	require.NoError(t, err)
	got, err := auth.Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, owner, got)
}
