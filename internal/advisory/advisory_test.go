package advisory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(url string, apiError func(int, []byte) error) *httpBackend {
	return &httpBackend{
		label:      "test",
		url:        url,
		headers:    map[string]string{"x-api-key": "k"},
		http:       &http.Client{Timeout: 5 * time.Second},
		logger:     zerolog.Nop(),
		retryDelay: time.Millisecond,
		apiError:   apiError,
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"prose around", "Sure! Here it is:\n{\"cause\":\"timeout\"}\nthanks", `{"cause":"timeout"}`},
		{"nested", `x {"a":{"b":[1,2]}} y {"c":3}`, `{"a":{"b":[1,2]}}`},
		{"brace in string", `{"s":"a } b"}`, `{"s":"a } b"}`},
		{"escaped quote", `{"s":"say \"}\" now"}`, `{"s":"say \"}\" now"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ExtractJSON("no json here {")
	assert.Error(t, err)
}

func TestExtractCode(t *testing.T) {
	assert.Equal(t, "click \"OK\"", ExtractCode("Here:\n```text\nclick \"OK\"\n```\ndone"))
	assert.Equal(t, "wait 10\npress Enter", ExtractCode("```\nwait 10\npress Enter\n```"))
	assert.Equal(t, "click #a", ExtractCode("  click #a \n"))
	assert.Equal(t, "click #a", ExtractCode("```\nclick #a"))
}

func TestHTTPBackend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	b := testBackend(srv.URL, func(status int, data []byte) error {
		return errors.New("unavailable")
	})
	data, err := b.post(context.Background(), []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPBackend_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := testBackend(srv.URL, anthropicAPIError).post(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPBackend_PermanentErrorStops(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota","type":"insufficient_quota","code":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	_, err := testBackend(srv.URL, openAIAPIError).post(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPBackend_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testBackend(srv.URL, func(status int, data []byte) error {
		return errors.New("bad gateway")
	}).post(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.EqualValues(t, maxRetries+1, calls.Load())
}

func TestHTTPBackend_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := testBackend(srv.URL, func(int, []byte) error { return errors.New("down") })
	b.retryDelay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.post(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnthropicClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"system":"sys"`)
		assert.Contains(t, string(body), `"text":"hello"`)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"part one "},{"type":"tool_use"},{"type":"text","text":"part two"}]}`))
	}))
	defer srv.Close()

	c := &anthropicClient{model: "m", logger: zerolog.Nop(), backend: testBackend(srv.URL, anthropicAPIError)}
	resp, err := c.Generate(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Text)

	_, err = c.Generate(context.Background(), Request{})
	assert.Error(t, err)
}

func TestOpenAIClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// system message goes first
		assert.True(t, strings.Index(string(body), `"role":"system"`) < strings.Index(string(body), `"role":"user"`))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := &openAIClient{model: "m", logger: zerolog.Nop(), backend: testBackend(srv.URL, openAIAPIError)}
	resp, err := c.Generate(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestGeminiClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/m:generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"hello"`)
		assert.Contains(t, string(body), `"model"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":" patched "}]}}]}`))
	}))
	defer srv.Close()
	t.Setenv(envGeminiAPIKey, "g-test")
	t.Setenv(envGeminiBaseURL, srv.URL)

	c, err := NewClient(context.Background(), "gemini", "m", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "m", c.Name())

	resp, err := c.Generate(context.Background(), Request{
		System: "sys",
		Messages: []Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "earlier answer"},
			{Role: "user", Content: "again"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "patched", resp.Text)

	_, err = c.Generate(context.Background(), Request{})
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	t.Setenv(envAPIKey, "")
	_, err := NewClient(context.Background(), "anthropic", "", zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(context.Background(), "bogus", "", zerolog.Nop())
	assert.Error(t, err)

	t.Setenv(envAPIKey, `"sk-test"`)
	c, err := NewClient(context.Background(), "ANTHROPIC", "my-model", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "my-model", c.Name())
}

func TestProvider(t *testing.T) {
	t.Setenv(envProvider, "")
	assert.Equal(t, "anthropic", Provider(""))
	assert.Equal(t, "gemini", Provider("Gemini"))
	t.Setenv(envProvider, " OpenAI ")
	assert.Equal(t, "openai", Provider("gemini"))
}

func TestTruncateRequest(t *testing.T) {
	req := Request{
		System:   strings.Repeat("s", maxRequestSize+10),
		Messages: []Message{{Role: "user", Content: strings.Repeat("m", maxRequestSize+1)}, {Role: "user", Content: "short"}},
	}
	truncateRequest(&req, zerolog.Nop())
	assert.True(t, strings.HasSuffix(req.System, "[truncated]"))
	assert.True(t, strings.HasSuffix(req.Messages[0].Content, "[truncated]"))
	assert.Equal(t, "short", req.Messages[1].Content)
}

func TestAdvisor_UsesRolePrompts(t *testing.T) {
	var systems []string
	client := ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		systems = append(systems, req.System)
		return Response{Text: "  answer \n"}, nil
	})
	adv := NewAdvisor(client, zerolog.Nop())

	out, err := adv.Diagnose(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	_, err = adv.Generate(context.Background(), "p")
	require.NoError(t, err)

	require.Len(t, systems, 2)
	assert.Equal(t, diagnoseSystemPrompt, systems[0])
	assert.Equal(t, generateSystemPrompt, systems[1])
}

func TestAdvisor_ClassifiesErrors(t *testing.T) {
	slow := ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewAdvisor(slow, zerolog.Nop()).Diagnose(ctx, "p")
	assert.ErrorIs(t, err, ErrAdvisoryTimeout)

	broken := ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("boom")
	})
	_, err = NewAdvisor(broken, zerolog.Nop()).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrAdvisory)
	assert.NotErrorIs(t, err, ErrAdvisoryTimeout)

	empty := ClientFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: "   "}, nil
	})
	_, err = NewAdvisor(empty, zerolog.Nop()).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrAdvisory)
}
