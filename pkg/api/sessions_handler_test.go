package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-connect/pkg/session"
)

func TestListSessions(t *testing.T) {
	f := newTestFixture(t)

	require.Equal(t, http.StatusCreated, f.connect(t, testUser, "github").Code)
	require.Equal(t, http.StatusCreated, f.connect(t, testUser, "slack").Code)
	require.Equal(t, http.StatusCreated, f.connect(t, testAdmin, "notion").Code)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions", "", testUser)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp sessionListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, "github", resp.Sessions[0].AppSlug)
	assert.Equal(t, "slack", resp.Sessions[1].AppSlug)
	for _, s := range resp.Sessions {
		assert.Equal(t, testUser, s.UserID)
		assert.Equal(t, session.StatusActive, s.Status)
		assert.Equal(t, 2, s.ToolsCount)
		assert.False(t, s.CreatedAt.IsZero())
	}
}

func TestListSessions_Empty(t *testing.T) {
	f := newTestFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions", "", testUser)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp sessionListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
	assert.NotNil(t, resp.Sessions)
}

func TestSessionStats_AdminOnly(t *testing.T) {
	f := newTestFixture(t)

	require.Equal(t, http.StatusCreated, f.connect(t, testUser, "github").Code)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions/stats", "", testUser)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/sessions/stats", "", testAdmin)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats session.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveUsers)
	assert.Equal(t, 1, stats.TotalAppConnections)
}

func TestGetSession_Owner(t *testing.T) {
	f := newTestFixture(t)

	require.Equal(t, http.StatusCreated, f.connect(t, testUser, "github").Code)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions/"+testUser+"/github", "", testUser)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp sessionSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, testUser, resp.UserID)
	assert.Equal(t, "github", resp.AppSlug)
	assert.Equal(t, session.StatusActive, resp.Status)

	// The lifecycle state serializes as its plain string value.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Equal(t, "active", raw["status"])
}

func TestGetSession_AdminCanReadOthers(t *testing.T) {
	f := newTestFixture(t)

	require.Equal(t, http.StatusCreated, f.connect(t, testUser, "github").Code)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions/"+testUser+"/github", "", testAdmin)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGetSession_ForbiddenForOthers(t *testing.T) {
	f := newTestFixture(t)

	require.Equal(t, http.StatusCreated, f.connect(t, testAdmin, "github").Code)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions/"+testAdmin+"/github", "", testUser)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	f := newTestFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/sessions/"+testUser+"/github", "", testUser)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
