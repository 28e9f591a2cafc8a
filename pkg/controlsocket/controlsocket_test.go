package controlsocket

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Request{Type: TypeCancelBuild, BuildID: "b1", Force: true}

	require.NoError(t, writeFrame(&buf, in))

	var out Request
	require.NoError(t, readFrame(&buf, &out))
	assert.Equal(t, in, out)
}

func TestReadFrameToleratesUnknownFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, map[string]any{
		"type":         TypeStatus,
		"future_field": "ignored",
	}))

	var out Request
	require.NoError(t, readFrame(&buf, &out))
	assert.Equal(t, TypeStatus, out.Type)
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	var out Request
	require.Error(t, readFrame(buf, &out))
}

type stubHandler struct {
	lastCancel Request
}

func (h *stubHandler) CancelBuild(_ context.Context, buildID, reason string, force bool) CancelBuildResponse {
	h.lastCancel = Request{BuildID: buildID, Reason: reason, Force: force}
	return CancelBuildResponse{Status: "cancelled", BuildID: buildID, SlotsReleased: 2}
}

func (h *stubHandler) CancelAllBuilds(context.Context, bool) CancelAllBuildsResponse {
	return CancelAllBuildsResponse{Status: "cancelled", CancelledCount: 1}
}

func (h *stubHandler) Status(context.Context) StatusResponse {
	return StatusResponse{Version: "test", WorkerCount: 3}
}

func (h *stubHandler) ListWorkers(context.Context) ListWorkersResponse {
	return ListWorkersResponse{Workers: []WorkerInfo{{ID: "w1", Status: "healthy"}}}
}

func (h *stubHandler) Doctor(context.Context) DoctorResponse {
	return DoctorResponse{Healthy: true}
}

func (h *stubHandler) TriageSweep(_ context.Context, ids []string) TriageSweepResponse {
	return TriageSweepResponse{WorkersSwept: len(ids)}
}

func startServer(t *testing.T) (*Server, *stubHandler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rchd.sock")
	h := &stubHandler{}
	srv := NewServer(path, h)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, h, path
}

func TestClientServerCancelBuild(t *testing.T) {
	_, h, path := startServer(t)

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.CancelBuild("build-42", "user", true)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", resp.Status)
	assert.Equal(t, "build-42", resp.BuildID)
	assert.Equal(t, 2, resp.SlotsReleased)
	assert.True(t, h.lastCancel.Force)
}

func TestClientServerMultipleRequestsOneConnection(t *testing.T) {
	_, _, path := startServer(t)

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, status.WorkerCount)

	workers, err := client.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers.Workers, 1)
	assert.Equal(t, "w1", workers.Workers[0].ID)
}

func TestServerRejectsUnknownType(t *testing.T) {
	srv := NewServer("", &stubHandler{})

	resp := srv.dispatch(context.Background(), Request{Type: "bogus"})
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "error", errResp.Status)
}

func TestServerRequiresBuildID(t *testing.T) {
	srv := NewServer("", &stubHandler{})

	resp := srv.dispatch(context.Background(), Request{Type: TypeCancelBuild})
	_, ok := resp.(ErrorResponse)
	assert.True(t, ok)
}

func TestErrorResponseSerializes(t *testing.T) {
	raw, err := json.Marshal(ErrorResponse{Status: "error", Message: "nope"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"error"`)
}
