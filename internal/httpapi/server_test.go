package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"outlet-hub/internal/auth"
	"outlet-hub/internal/energy"
	"outlet-hub/internal/relay"
	"outlet-hub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	ts   *httptest.Server
	repo *store.Repo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	energySvc := energy.New(repo)
	authSvc := auth.New("test-secret")
	hub := relay.NewHub(repo, energySvc, authSvc, relay.Options{})
	srv := NewServer(repo, energySvc, authSvc, hub)

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) seedDevice(t *testing.T, name string) *store.Device {
	t.Helper()
	dev := &store.Device{DeviceID: uuid.NewString(), DeviceName: name, DevicePass: "secret"}
	if err := e.repo.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return dev
}

func (e *testEnv) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) relay.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev relay.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	var dev store.Device
	if code := env.do(t, http.MethodPost, "/register", map[string]string{"deviceName": "Lamp"}, &dev); code != http.StatusOK {
		t.Fatalf("register returned %d", code)
	}
	if dev.DeviceID == "" || dev.DeviceName != "Lamp" {
		t.Fatalf("unexpected device: %+v", dev)
	}
	if len(dev.DevicePass) != 6 {
		t.Fatalf("expected 6-char pass, got %q", dev.DevicePass)
	}

	var login struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	if code := env.do(t, http.MethodGet, "/login/"+dev.DeviceID, nil, &login); code != http.StatusOK {
		t.Fatalf("login returned %d", code)
	}
	if login.ID != dev.DeviceID || login.Token == "" {
		t.Fatalf("unexpected login payload: %+v", login)
	}

	id, err := auth.New("test-secret").Verify(login.Token)
	if err != nil || id != dev.DeviceID {
		t.Fatalf("issued token does not verify: id=%q err=%v", id, err)
	}
}

func TestLoginUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	var apiErr apiError
	if code := env.do(t, http.MethodGet, "/login/"+uuid.NewString(), nil, &apiErr); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if apiErr.Error != "Device not found." {
		t.Fatalf("unexpected error message %q", apiErr.Error)
	}
	if apiErr.Timestamp == "" {
		t.Fatalf("expected error timestamp")
	}
}

func TestStatusUpdatePolarityAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	dev := env.seedDevice(t, "Heater")
	conn := env.dialWS(t)

	// Positive wire status means off.
	var updated store.Device
	if code := env.do(t, http.MethodPost, "/status", map[string]any{"deviceId": dev.DeviceID, "status": 5}, &updated); code != http.StatusOK {
		t.Fatalf("status update returned %d", code)
	}
	if updated.DeviceStatus {
		t.Fatalf("expected device off")
	}

	ev := readEvent(t, conn)
	if ev.Sender != dev.DeviceID || ev.Action != relay.ActionStatus || ev.Value != 1 {
		t.Fatalf("unexpected broadcast: %+v", ev)
	}

	if code := env.do(t, http.MethodPost, "/status", map[string]any{"deviceId": dev.DeviceID, "status": 0}, &updated); code != http.StatusOK {
		t.Fatalf("status update returned %d", code)
	}
	if !updated.DeviceStatus {
		t.Fatalf("expected device on")
	}
	ev = readEvent(t, conn)
	if ev.Value != 0 {
		t.Fatalf("expected value 0 for on, got %+v", ev)
	}

	var fetched store.Device
	if code := env.do(t, http.MethodGet, "/status/"+dev.DeviceID, nil, &fetched); code != http.StatusOK {
		t.Fatalf("status get returned %d", code)
	}
	if !fetched.DeviceStatus {
		t.Fatalf("stored status not reflected")
	}
}

func TestStatusUpdateUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	var apiErr apiError
	code := env.do(t, http.MethodPost, "/status", map[string]any{"deviceId": uuid.NewString(), "status": 1}, &apiErr)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestOffTransitionWritesConsumptionLog(t *testing.T) {
	env := newTestEnv(t)
	dev := env.seedDevice(t, "Kettle")
	ctx := context.Background()

	// Turn on, accumulate samples, then turn off over the API.
	if code := env.do(t, http.MethodPost, "/status", map[string]any{"deviceId": dev.DeviceID, "status": 0}, nil); code != http.StatusOK {
		t.Fatalf("switch on returned %d", code)
	}
	for _, p := range []float64{5, 10} {
		err := env.repo.InsertSample(ctx, &store.EnergySample{Power: p, RecordedAt: time.Now().UTC()})
		if err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}
	if code := env.do(t, http.MethodPost, "/status", map[string]any{"deviceId": dev.DeviceID, "status": 1}, nil); code != http.StatusOK {
		t.Fatalf("switch off returned %d", code)
	}

	var logs []store.ConsumptionLog
	if code := env.do(t, http.MethodGet, "/consumption/"+dev.DeviceID, nil, &logs); code != http.StatusOK {
		t.Fatalf("consumption list returned %d", code)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Consumed != 15 {
		t.Fatalf("expected consumed 15, got %v", logs[0].Consumed)
	}
	if logs[0].DeviceName != "Kettle" {
		t.Fatalf("expected device name copied, got %q", logs[0].DeviceName)
	}
}

func TestDeviceUpdateMergesMeta(t *testing.T) {
	env := newTestEnv(t)
	dev := env.seedDevice(t, "Fan")

	patch := map[string]any{
		"deviceName":     "Ceiling Fan",
		"deviceCategory": "climate",
		"meta":           map[string]any{"room": "bedroom", "limits": map[string]any{"min": 1.0, "max": 3.0}},
	}
	if code := env.do(t, http.MethodPost, "/device/"+dev.DeviceID, patch, nil); code != http.StatusOK {
		t.Fatalf("device update returned %d", code)
	}

	// A partial nested patch keeps untouched keys.
	patch = map[string]any{
		"deviceName":     "Ceiling Fan",
		"deviceCategory": "climate",
		"meta":           map[string]any{"limits": map[string]any{"max": 5.0}},
	}
	if code := env.do(t, http.MethodPost, "/device/"+dev.DeviceID, patch, nil); code != http.StatusOK {
		t.Fatalf("device update returned %d", code)
	}

	var fetched store.Device
	if code := env.do(t, http.MethodGet, "/device/"+dev.DeviceID, nil, &fetched); code != http.StatusOK {
		t.Fatalf("device get returned %d", code)
	}
	if fetched.DeviceName != "Ceiling Fan" || fetched.DeviceCategory != "climate" {
		t.Fatalf("details not updated: %+v", fetched)
	}
	meta := decodeMetaToMap(fetched.Meta)
	if meta["room"] != "bedroom" {
		t.Fatalf("nested merge dropped sibling key: %v", meta)
	}
	limits, ok := meta["limits"].(map[string]any)
	if !ok || limits["min"] != 1.0 || limits["max"] != 5.0 {
		t.Fatalf("unexpected limits after merge: %v", meta["limits"])
	}
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	dev := env.seedDevice(t, "Pump")

	var apiErr apiError
	if code := env.do(t, http.MethodGet, "/schedule/"+dev.DeviceID, nil, &apiErr); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing schedule, got %d", code)
	}
	if apiErr.Error != "No Schedule Found" {
		t.Fatalf("unexpected error message %q", apiErr.Error)
	}

	window := map[string]int{"startHour": 9, "startMinute": 30, "endHour": 17, "endMinute": 0}
	var sch store.Schedule
	if code := env.do(t, http.MethodPost, "/schedule/"+dev.DeviceID, window, &sch); code != http.StatusOK {
		t.Fatalf("schedule upsert returned %d", code)
	}
	if !sch.Active || sch.StartHour != 9 || sch.StartMinute != 30 {
		t.Fatalf("unexpected schedule: %+v", sch)
	}

	if code := env.do(t, http.MethodGet, "/schedule/"+dev.DeviceID, nil, &sch); code != http.StatusOK {
		t.Fatalf("schedule get returned %d", code)
	}

	if code := env.do(t, http.MethodGet, "/schedule/"+dev.DeviceID+"/stop", nil, &sch); code != http.StatusOK {
		t.Fatalf("schedule stop returned %d", code)
	}
	if sch.Active {
		t.Fatalf("expected schedule deactivated")
	}
}

func TestEnergyIngestBroadcastsReport(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t)

	report := map[string]float64{
		"power": 42, "voltage": 230, "current": 0.18,
		"energy": 120, "frequency": 50, "powerFactor": 0.95,
	}
	var sample store.EnergySample
	if code := env.do(t, http.MethodPost, "/energy", report, &sample); code != http.StatusOK {
		t.Fatalf("energy ingest returned %d", code)
	}
	if sample.Power != 42 {
		t.Fatalf("unexpected sample: %+v", sample)
	}

	ev := readEvent(t, conn)
	if ev.Sender != "server" || ev.Recipient != "all" || ev.Action != relay.ActionReport {
		t.Fatalf("unexpected broadcast: %+v", ev)
	}
}

func TestEnergyIngestRateLimited(t *testing.T) {
	env := newTestEnv(t)

	report := map[string]float64{"power": 1}
	var limited bool
	for i := 0; i < 30; i++ {
		code := env.do(t, http.MethodPost, "/energy", report, nil)
		if code == http.StatusTooManyRequests {
			limited = true
			break
		}
		if code != http.StatusOK {
			t.Fatalf("unexpected status %d on report %d", code, i)
		}
	}
	if !limited {
		t.Fatalf("expected burst of reports to hit the rate limit")
	}
}

func TestHistoryInvalidFrequency(t *testing.T) {
	env := newTestEnv(t)

	var apiErr apiError
	if code := env.do(t, http.MethodGet, "/history/minute", nil, &apiErr); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if apiErr.Error != "Invalid frequency" {
		t.Fatalf("unexpected error message %q", apiErr.Error)
	}
}

func TestHistoryBucketsByHour(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, e := range []float64{3, 4, 5} {
		err := env.repo.InsertSample(ctx, &store.EnergySample{Energy: e, RecordedAt: base.Add(time.Duration(i) * 10 * time.Minute)})
		if err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}

	var buckets []energy.HistoryBucket
	if code := env.do(t, http.MethodGet, "/history/hour", nil, &buckets); code != http.StatusOK {
		t.Fatalf("history returned %d", code)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	if buckets[0].Energy != 12 {
		t.Fatalf("expected bucket energy 12, got %v", buckets[0].Energy)
	}
}

func TestDailySummaryInvalidTimestamp(t *testing.T) {
	env := newTestEnv(t)

	var apiErr apiError
	if code := env.do(t, http.MethodGet, "/energy/not-a-number", nil, &apiErr); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if apiErr.Error != "invalid timestamp" {
		t.Fatalf("unexpected error message %q", apiErr.Error)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	var settings store.UserSettings
	if code := env.do(t, http.MethodGet, "/cost", nil, &settings); code != http.StatusOK {
		t.Fatalf("settings get returned %d", code)
	}

	update := map[string]any{"costPerWatt": 2.5, "maxWattPerDay": 800.0, "frequency": 50}
	if code := env.do(t, http.MethodPost, "/cost", update, &settings); code != http.StatusOK {
		t.Fatalf("settings update returned %d", code)
	}
	if settings.CostPerWatt != 2.5 || settings.MaxWattPerDay != 800 || settings.Frequency != 50 {
		t.Fatalf("unexpected settings: %+v", settings)
	}

	if code := env.do(t, http.MethodGet, "/cost", nil, &settings); code != http.StatusOK {
		t.Fatalf("settings get returned %d", code)
	}
	if settings.CostPerWatt != 2.5 {
		t.Fatalf("settings update not persisted: %+v", settings)
	}
}

func TestDevicesListExcludesControllers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedDevice(t, "Outlet A")
	controller := &store.Device{DeviceID: uuid.NewString(), DeviceName: "Panel", DevicePass: "secret", Controller: true}
	if err := env.repo.CreateDevice(ctx, controller); err != nil {
		t.Fatalf("seed controller: %v", err)
	}

	var rows []store.DeviceView
	if code := env.do(t, http.MethodGet, "/devices", nil, &rows); code != http.StatusOK {
		t.Fatalf("devices list returned %d", code)
	}
	if len(rows) != 1 || rows[0].DeviceName != "Outlet A" {
		t.Fatalf("unexpected listing: %+v", rows)
	}
}
