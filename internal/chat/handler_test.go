package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-backend/internal/analyses"
	"policy-backend/internal/llm"
	"policy-backend/internal/llm/llmtest"
	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/statestore"
)

type fakeResults struct {
	result analyses.Result
	err    error
}

func (f fakeResults) Restore(context.Context, string, int) (analyses.Result, error) {
	return f.result, f.err
}

func newChatRouter(t *testing.T, results ResultSource) (*gin.Engine, *llmtest.Model) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	model := &llmtest.Model{Respond: func(llmtest.Call) (string, error) { return "**Covered**", nil }}
	h := NewHandler(NewRegistry(newTestBinder(model)), results)

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(middleware.Auth("dev", "secret"))
	h.RegisterRoutes(api)
	return r, model
}

func doJSON(r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-Email", user)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatBindAndAsk(t *testing.T) {
	r, model := newChatRouter(t, nil)

	resp := doJSON(r, http.MethodPost, "/api/v1/chat/sessions", "jane@example.com", gin.H{"result": sampleResult})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var bound struct {
		SessionID string `json:"sessionId"`
		Welcome   string `json:"welcome"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &bound))
	require.NotEmpty(t, bound.SessionID)
	assert.Equal(t, WelcomeMessage, bound.Welcome)

	resp = doJSON(r, http.MethodPost, "/api/v1/chat/sessions/"+bound.SessionID+"/questions", "jane@example.com", gin.H{"question": "Am I covered?"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var answer struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &answer))
	assert.Equal(t, "**Covered**", answer.Content)
	assert.Len(t, model.Calls(), 1)
}

func TestChatAskUnknownSession(t *testing.T) {
	r, _ := newChatRouter(t, nil)
	resp := doJSON(r, http.MethodPost, "/api/v1/chat/sessions/missing/questions", "jane@example.com", gin.H{"question": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "unbound_session")
}

func TestChatBindFromStoredResult(t *testing.T) {
	stored := analyses.Result{
		RunID:         "run-1",
		ParentContext: map[string]any{"policy_name": "Stored Plan"},
		Results:       map[string]analyses.PromptResult{},
	}
	r, model := newChatRouter(t, fakeResults{result: stored})

	resp := doJSON(r, http.MethodPost, "/api/v1/chat/sessions", "jane@example.com", gin.H{"policyIndex": 2})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var bound struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &bound))

	resp = doJSON(r, http.MethodPost, "/api/v1/chat/sessions/"+bound.SessionID+"/questions", "jane@example.com", gin.H{"question": "Which plan?"})
	require.Equal(t, http.StatusOK, resp.Code)
	calls := model.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, llm.TextOf(calls[0].History[0]), "Stored Plan")
}

func TestChatBindErrors(t *testing.T) {
	r, _ := newChatRouter(t, fakeResults{err: statestore.ErrNotFound})

	resp := doJSON(r, http.MethodPost, "/api/v1/chat/sessions", "jane@example.com", gin.H{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(r, http.MethodPost, "/api/v1/chat/sessions", "jane@example.com", gin.H{"policyIndex": 1})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doJSON(r, http.MethodPost, "/api/v1/chat/sessions", "", gin.H{"result": sampleResult})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}
