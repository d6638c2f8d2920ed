package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/hipotd/internal/device"
	"github.com/shaunagostinho/hipotd/internal/instrument/sim"
	"github.com/shaunagostinho/hipotd/internal/orchestrator"
	"github.com/shaunagostinho/hipotd/internal/types"
)

const fetchA = "SAF:FETC? OMET,MMET,TLEA"

type fixture struct {
	srv  *Server
	http *httptest.Server
	inst *sim.Instrument
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"
	cfg.Instrument.QueryDelayMs = 0
	cfg.Instrument.IdentifyDelayMs = 0
	cfg.Export.Path = t.TempDir()

	inst := sim.New().
		Respond("*IDN?", "Chroma ATE,19032,123456,1.00").
		Respond(fetchA, "500,2000000,10")

	n := 0
	srv := New(cfg, nil,
		WithOpener(func(port string) (io.ReadWriteCloser, error) { return inst, nil }),
		WithPortLister(func() ([]device.PortInfo, error) {
			return []device.PortInfo{{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403"}}, nil
		}),
		WithOrchestratorOptions(
			orchestrator.WithInterval(0),
			orchestrator.WithIDGenerator(func() string { n++; return "sess-" + string(rune('0'+n)) }),
		),
	)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, http: hs, inst: inst}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndModels(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var models []string
	require.NoError(t, json.Unmarshal(body, &models))
	assert.Contains(t, models, "1903X")
	assert.Contains(t, models, "HIPOT_53")

	resp, body = f.do(t, http.MethodGet, "/api/ports", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/dev/ttyUSB0")
}

func TestConnectUnknownModel(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/connect", `{"model":"XYZ","port":"sim"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "XYZ")
}

func TestConnectEmptyIdentity(t *testing.T) {
	f := newFixture(t)
	f.inst.Respond("*IDN?", "   ")
	resp, _ := f.do(t, http.MethodPost, "/api/connect", `{"model":"1903X","port":"sim"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStartWithoutDevice(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/test/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFullTestCycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/connect", `{"model":"1903X","port":"sim"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var dev DeviceStatus
	require.NoError(t, json.Unmarshal(body, &dev))
	assert.True(t, dev.Connected)
	assert.Equal(t, "1903X", dev.Identity.ModelID)
	assert.Len(t, dev.Ranges, 8)

	resp, _ = f.do(t, http.MethodPost, "/api/test/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.inst.Count("SOURce:SAFEty:START"))

	for i := 0; i < 3; i++ {
		terminal, err := f.srv.Orchestrator().Poll()
		require.NoError(t, err)
		require.False(t, terminal)
	}

	resp, body = f.do(t, http.MethodGet, "/api/test/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "RUNNING", snap["status"])
	assert.Equal(t, 3.0, snap["samples"])
	assert.Equal(t, 10.0, snap["timeLeft"])

	resp, _ = f.do(t, http.MethodPost, "/api/test/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.inst.Count("SOURce:SAFEty:STOP"))

	resp, body = f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []SessionSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].ID)
	assert.Equal(t, 3, list[0].Points)
	assert.Equal(t, types.ModeIR, list[0].Mode)

	resp, body = f.do(t, http.MethodGet, "/api/sessions/sess-1/quality", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, 3.0, rep["total"])
	assert.Equal(t, 3.0, rep["valid"])
	assert.Equal(t, 100.0, rep["score"])

	resp, body = f.do(t, http.MethodGet, "/api/sessions/sess-1/statistics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"Valid":3`)

	resp, body = f.do(t, http.MethodPost, "/api/sessions/sess-1/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hipot_")

	resp, _ = f.do(t, http.MethodDelete, "/api/sessions/sess-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/sessions/sess-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/device", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":false`)
}

func TestStartAppliesConfiguration(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/config", `{"test":{"apply":true,"voltage":250,"range":"AUTO"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/connect", `{"model":"1903X","port":"sim"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/test/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, f.inst.Count("SAF:STEP1:IR 250"))
	assert.Equal(t, 1, f.inst.Count("SAF:STEP1:IR:RANG:AUTO ON"))

	resp, _ = f.do(t, http.MethodPost, "/api/test/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"model":"1903X"`)

	resp, _ = f.do(t, http.MethodPost, "/api/config", `{"test":{"range":"bogus"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/config", `{"export":{"enabled":true}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.srv.exporter.IsEnabled())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hipot_orchestrator_state")
}

func TestWebSocketReceivesFrames(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	read := func() Frame {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var fr Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	}

	first := read()
	assert.Equal(t, "state", first.Type)
	require.NotNil(t, first.Device)
	assert.False(t, first.Device.Connected)

	require.NoError(t, f.srv.Connect("1903X", "sim"))
	dev := read()
	assert.Equal(t, "device", dev.Type)
	assert.True(t, dev.Device.Connected)

	require.NoError(t, f.srv.StartTest())
	assert.Equal(t, "state", read().Type)

	_, err = f.srv.Orchestrator().Poll()
	require.NoError(t, err)
	sample := read()
	assert.Equal(t, "sample", sample.Type)
	require.NotNil(t, sample.Sample)
	assert.Equal(t, 500.0, sample.Sample.Voltage)
}
