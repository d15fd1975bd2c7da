package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/api/websocket"
	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/KevinKickass/OpenInputExpander/internal/device"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/hardware"
	"github.com/KevinKickass/OpenInputExpander/internal/storage"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiEnv struct {
	server       *Server
	device       *device.Device
	dispatcher   *events.Dispatcher
	sim          *hardware.Simulator
	machineToken string
	authService  *auth.Service
}

func newAPIEnv(t *testing.T, operatorHash string) *apiEnv {
	logger := zap.NewNop()

	sim := hardware.NewSimulator()
	dispatcher := events.NewDispatcher(16, logger)
	dev := device.New(sim, dispatcher, device.Options{Sleep: func(time.Duration) {}}, logger)
	require.NoError(t, dev.Initialize())

	token, hash, err := auth.GenerateMachineToken()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Auth = config.AuthConfig{
		JWTSecretEnv:         "EXP_REST_TEST_SECRET",
		AccessTokenTTL:       time.Minute,
		OperatorUsername:     "operator",
		OperatorPasswordHash: operatorHash,
		MachineTokenHashes:   []string{hash},
	}

	authService := auth.NewService(cfg.Auth, logger)
	srv, err := NewServer(cfg, dev, dispatcher, websocket.NewHub(logger, authService), authService, logger)
	require.NoError(t, err)

	return &apiEnv{server: srv, device: dev, dispatcher: dispatcher, sim: sim, machineToken: token, authService: authService}
}

func (e *apiEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			json.NewEncoder(&buf).Encode(b)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	return decode(t, w)["error"].(map[string]interface{})["code"].(string)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, "")
	w := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "RUNNING", decode(t, w)["device_state"])
}

func TestReadRegister(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(http.MethodGet, "/api/v1/registers/38", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "InputSampling", body["name"])
	require.Equal(t, "U8", body["type"])
	require.Equal(t, []interface{}{float64(0)}, body["values"])

	testCases := []struct {
		path   string
		status int
		code   string
	}{
		{"/api/v1/registers/38?type=U16", http.StatusBadRequest, "REGISTER_TYPE"},
		{"/api/v1/registers/99", http.StatusNotFound, "REGISTER_ADDRESS"},
		{"/api/v1/registers/31", http.StatusNotFound, "REGISTER_ADDRESS"},
		{"/api/v1/registers/300", http.StatusNotFound, "REGISTER_ADDRESS"},
		{"/api/v1/registers/99999999999999999999", http.StatusBadRequest, "REGISTER_400"},
		{"/api/v1/registers/abc", http.StatusBadRequest, "REGISTER_400"},
		{"/api/v1/registers/38?type=U12", http.StatusBadRequest, "REGISTER_400"},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			w := env.do(http.MethodGet, tc.path, "", nil)
			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.code, errorCode(t, w))
		})
	}
}

func TestWriteRegister(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(http.MethodPost, "/api/v1/registers/39", "", map[string]interface{}{"values": []int{4}})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/registers/39", env.machineToken, map[string]interface{}{"values": []int{4}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []interface{}{float64(4)}, decode(t, w)["values"])
	require.Equal(t, types.EncoderOnMovement, env.device.Snapshot().EncoderSampling)

	w = env.do(http.MethodPost, "/api/v1/registers/36", env.machineToken, map[string]interface{}{"type": "U16", "values": []int{0x3FF}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	testCases := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"illegal mode", "/api/v1/registers/39", map[string]interface{}{"values": []int{7}}, http.StatusBadRequest, "REGISTER_VALUE"},
		{"reserved input mode", "/api/v1/registers/38", map[string]interface{}{"values": []int{3}}, http.StatusBadRequest, "REGISTER_VALUE"},
		{"fraction", "/api/v1/registers/39", map[string]interface{}{"values": []float64{1.5}}, http.StatusBadRequest, "REGISTER_VALUE"},
		{"too many elements", "/api/v1/registers/39", map[string]interface{}{"values": []int{1, 2}}, http.StatusBadRequest, "REGISTER_LENGTH"},
		{"wrong type", "/api/v1/registers/39", map[string]interface{}{"type": "U16", "values": []int{1}}, http.StatusBadRequest, "REGISTER_TYPE"},
		{"read only", "/api/v1/registers/40", map[string]interface{}{"values": []int{1}}, http.StatusMethodNotAllowed, "REGISTER_READ_ONLY"},
		{"unknown address", "/api/v1/registers/42", map[string]interface{}{"values": []int{1}}, http.StatusNotFound, "REGISTER_ADDRESS"},
		{"mask bits", "/api/v1/registers/33", map[string]interface{}{"values": []int{4}}, http.StatusBadRequest, "REGISTER_VALUE"},
		{"unknown address with bad value", "/api/v1/registers/200", map[string]interface{}{"values": []int{300}}, http.StatusNotFound, "REGISTER_ADDRESS"},
		{"address past 8 bits", "/api/v1/registers/300", map[string]interface{}{"values": []int{1}}, http.StatusNotFound, "REGISTER_ADDRESS"},
		{"wrong type with bad value", "/api/v1/registers/40", map[string]interface{}{"type": "U8", "values": []int{-1}}, http.StatusBadRequest, "REGISTER_TYPE"},
		{"too many elements with bad value", "/api/v1/registers/38", map[string]interface{}{"values": []int{1, 256}}, http.StatusBadRequest, "REGISTER_LENGTH"},
		{"read only with bad value", "/api/v1/registers/40", map[string]interface{}{"values": []int{1000000}}, http.StatusMethodNotAllowed, "REGISTER_READ_ONLY"},
		{"schema type", "/api/v1/registers/39", `{"values": "x"}`, http.StatusBadRequest, "REGISTER_400"},
		{"schema extra", "/api/v1/registers/39", `{"values": [1], "extra": true}`, http.StatusBadRequest, "REGISTER_400"},
		{"schema empty", "/api/v1/registers/39", `{"values": []}`, http.StatusBadRequest, "REGISTER_400"},
		{"invalid json", "/api/v1/registers/39", `{`, http.StatusBadRequest, "REGISTER_400"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tc.path, env.machineToken, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			require.Equal(t, tc.code, errorCode(t, w))
		})
	}

	// Rejections left the bank alone.
	require.Equal(t, types.EncoderOnMovement, env.device.Snapshot().EncoderSampling)
}

func TestListRegisters(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(http.MethodGet, "/api/v1/registers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, float64(types.RegisterCount), body["count"])

	first := body["registers"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, "AuxInPort", first["name"])
	require.Equal(t, "read_only", first["access"])

	w = env.do(http.MethodGet, "/api/v1/registers?format=yaml", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/yaml")
	require.Contains(t, w.Body.String(), "name: DigitalInPort")
	require.Contains(t, w.Body.String(), "type: S16")
}

func TestDeviceEndpoints(t *testing.T) {
	hash, err := auth.NewPasswordHasher().HashPassword("s3cret")
	require.NoError(t, err)
	env := newAPIEnv(t, hash)

	w := env.do(http.MethodGet, "/api/v1/device", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)["device"].(map[string]interface{})
	require.Equal(t, float64(types.WhoAmI), info["who_am_i"])

	w = env.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "operator", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "operator", Password: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	operator := decode(t, w)["access_token"].(string)

	// Machine tokens may write registers but not administer the device.
	w = env.do(http.MethodPut, "/api/v1/device/visual", env.machineToken, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPut, "/api/v1/device/visual", operator, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, env.sim.LED(hardware.LEDPower))

	w = env.do(http.MethodPut, "/api/v1/device/visual", operator, map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/registers/38", operator, map[string]interface{}{"values": []int{1}})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/device/reset", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, types.InputSamplingOff, env.device.Snapshot().InputSampling)
	require.Equal(t, types.DigitalInputMask, env.device.Snapshot().DigitalInRisingEdge)
}

func TestEventsToggle(t *testing.T) {
	hash, err := auth.NewPasswordHasher().HashPassword("s3cret")
	require.NoError(t, err)
	env := newAPIEnv(t, hash)

	w := env.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "operator", Password: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	operator := decode(t, w)["access_token"].(string)

	w = env.do(http.MethodPut, "/api/v1/device/events", env.machineToken, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPut, "/api/v1/device/events", operator, map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/v1/device/events", operator, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decode(t, w)["enabled"])

	env.dispatcher.Emit(types.AddressDigitalInPort, false)
	env.dispatcher.Emit(types.AddressDigitalInPort, true)
	require.Equal(t, uint64(1), env.dispatcher.Stats().Muted)

	w = env.do(http.MethodGet, "/api/v1/events/stats", "", nil)
	stats := decode(t, w)["events"].(map[string]interface{})
	require.Equal(t, false, stats["enabled"])
	require.Equal(t, float64(1), stats["muted"])

	w = env.do(http.MethodPut, "/api/v1/device/events", operator, map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["enabled"])

	env.dispatcher.Emit(types.AddressDigitalInPort, false)
	require.Equal(t, uint64(1), env.dispatcher.Stats().Muted)
}

func TestLoginDisabled(t *testing.T) {
	env := newAPIEnv(t, "")
	w := env.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "operator", Password: "x"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEventStats(t *testing.T) {
	env := newAPIEnv(t, "")
	w := env.do(http.MethodGet, "/api/v1/events/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Contains(t, body, "events")
	require.Equal(t, float64(0), body["websocket_clients"])
	require.Equal(t, float64(0), body["websocket_dropped"])
	require.NotContains(t, body, "stream_dropped")

	streamer := events.NewStreamer(1)
	streamer.Subscribe(nil)
	streamer.Publish(events.Event{Address: types.AddressEncoderData})
	streamer.Publish(events.Event{Address: types.AddressEncoderData})
	env.server.SetStreamStats(streamer)

	w = env.do(http.MethodGet, "/api/v1/events/stats", "", nil)
	body = decode(t, w)
	require.Equal(t, float64(1), body["stream_subscribers"])
	require.Equal(t, float64(1), body["stream_dropped"])
}

type fakeHistory struct {
	records []storage.EventRecord
	err     error
	limit   int
}

func (h *fakeHistory) RecentEvents(_ context.Context, address uint8, limit int) ([]storage.EventRecord, error) {
	h.limit = limit
	if h.err != nil {
		return nil, h.err
	}
	var out []storage.EventRecord
	for _, r := range h.records {
		if r.Address == address {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRegisterHistory(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(http.MethodGet, "/api/v1/registers/40/history", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	history := &fakeHistory{records: []storage.EventRecord{
		{Address: 40, Register: "EncoderData", Type: "S16", Values: []float64{-3}},
		{Address: 35, Register: "DigitalInPort", Type: "U16", Values: []float64{1, 1}},
	}}
	env.server.SetHistory(history)

	w = env.do(http.MethodGet, "/api/v1/registers/40/history?limit=10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, float64(1), body["count"])
	require.Equal(t, 10, history.limit)

	w = env.do(http.MethodGet, "/api/v1/registers/40/history?limit=0", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/v1/registers/12/history", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	history.err = errors.New("db down")
	w = env.do(http.MethodGet, "/api/v1/registers/40/history", "", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "JOURNAL_500", errorCode(t, w))
}

type staticStatus map[string]interface{}

func (s staticStatus) Status() interface{} {
	return map[string]interface{}(s)
}

func TestSystemStatus(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.do(http.MethodGet, "/api/v1/system/status", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.server.SetSystem(staticStatus{"state": "RUNNING"})
	w = env.do(http.MethodGet, "/api/v1/system/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "RUNNING", decode(t, w)["state"])
}
