package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/engine"
)

// testService creates a Service over an engine rooted in a temp directory.
func testService(t *testing.T) (*Service, string, func()) {
	t.Helper()

	dir := t.TempDir()
	root := filepath.Join(dir, "bank")
	require.NoError(t, os.MkdirAll(root, 0o755))

	cfg := config.Default()
	cfg.Checkpoints.Dir = filepath.Join(dir, "checkpoints")
	cfg.Checkpoints.AutoTriggers = config.TriggerConfig{}
	cfg.Sessions.Dir = filepath.Join(dir, "sessions")

	manifest := &config.ArtifactManifest{Root: root, Artifacts: config.DefaultArtifacts}
	eng, err := engine.New(cfg, manifest, engine.Options{DataDir: dir, Timeline: true})
	require.NoError(t, err)

	svc := NewService("test-version", cfg, eng)
	svc.ready.Store(true)

	cleanup := func() {
		eng.Close()
	}
	return svc, root, cleanup
}

func doJSON(t *testing.T, svc *Service, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleExecute(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name:       "successful command",
			body:       executeRequest{Command: "echo", Args: []string{"hi"}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["success"])
				assert.Equal(t, "hi\n", body["stdout"])
			},
		},
		{
			name:       "failing command reports result not error",
			body:       executeRequest{Command: "false"},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["success"])
			},
		},
		{
			name:       "empty command rejected",
			body:       executeRequest{Command: "   "},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body rejected",
			body:       "not-a-struct",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, svc, http.MethodPost, "/api/execute", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.check != nil {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				tt.check(t, body)
			}
		})
	}
}

func TestHandleBackground(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/background", executeRequest{Command: "echo", Args: []string{"bg"}})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["handleId"])
}

func TestHandleStopBackground_Unknown(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodDelete, "/api/background/no-such-handle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSwitchMode(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/mode", modeRequest{Mode: "plan", Description: "planning"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "plan", resp["mode"])

	rec = doJSON(t, svc, http.MethodPost, "/api/mode", modeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckpointLifecycle(t *testing.T) {
	svc, root, cleanup := testService(t)
	defer cleanup()

	require.NoError(t, os.WriteFile(filepath.Join(root, "tasks.md"), []byte("- [ ] a\n"), 0o644))

	// Create.
	rec := doJSON(t, svc, http.MethodPost, "/api/checkpoints", checkpointRequest{Description: "before edits"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var cp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	id, _ := cp["id"].(string)
	require.NotEmpty(t, id)

	// List.
	rec = doJSON(t, svc, http.MethodGet, "/api/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// Get.
	rec = doJSON(t, svc, http.MethodGet, "/api/checkpoints/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, svc, http.MethodGet, "/api/checkpoints/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Delete.
	rec = doJSON(t, svc, http.MethodDelete, "/api/checkpoints/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, svc, http.MethodDelete, "/api/checkpoints/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateCheckpoint_RequiresDescription(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/checkpoints", checkpointRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRewind(t *testing.T) {
	svc, root, cleanup := testService(t)
	defer cleanup()

	target := filepath.Join(root, "tasks.md")
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0o644))

	rec := doJSON(t, svc, http.MethodPost, "/api/checkpoints", checkpointRequest{Description: "snap"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	id := cp["id"].(string)

	require.NoError(t, os.WriteFile(target, []byte("mangled\n"), 0o644))

	rec = doJSON(t, svc, http.MethodPost, "/api/rewind", rewindRequest{CheckpointID: id})
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, true, result["success"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))

	// Undo restores the pre-rewind content.
	rec = doJSON(t, svc, http.MethodPost, "/api/rewind/undo", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "mangled\n", string(data))
}

func TestHandleRewind_UnknownCheckpoint(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/rewind", rewindRequest{CheckpointID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUndoRewind_NothingToUndo(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/rewind/undo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions", sessionRequest{Description: "work"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.NotNil(t, list["current"])

	rec = doJSON(t, svc, http.MethodDelete, "/api/sessions/current", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodDelete, "/api/sessions/current", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleStats(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/execute", executeRequest{Command: "true"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "van", stats["mode"])

	fg, ok := stats["foreground"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), fg["total"])
}

func TestHandleTimelineExecutions(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodPost, "/api/execute", executeRequest{Command: "echo", Args: []string{"x"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/timeline/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "echo x", rows[0]["Command"])
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp["status"])
	assert.Equal(t, "test-version", resp["version"])
}

func TestRequireReadyMiddleware_Blocks(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	svc.ready.Store(false)

	rec := doJSON(t, svc, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Health stays reachable while starting.
	rec = doJSON(t, svc, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReady(t *testing.T) {
	svc, _, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.ready.Store(false)
	rec = doJSON(t, svc, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
