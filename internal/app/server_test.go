// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/relabs-tech/powerflux/internal/calibration"
	"github.com/relabs-tech/powerflux/internal/database"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/models"
	"github.com/relabs-tech/powerflux/internal/session"
)

type testServer struct {
	feed     *fakeFeed
	calib    *fakeCalibration
	pipeline *Pipeline
	store    *session.Store
	db       *gorm.DB
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close(db) })
	if err := database.Migrate(db, quiet()); err != nil {
		t.Fatal(err)
	}

	ts := &testServer{feed: newFakeFeed(), calib: newFakeCalibration(), db: db}
	ts.store = session.NewStore(db, session.Options{Logger: quiet()})
	ts.pipeline = NewPipeline(ts.feed, ts.store, PipelineOptions{Logger: quiet()})
	runPipeline(t, ts.pipeline, ts.feed)
	ts.handler = NewServer(ts.feed, ts.calib, ts.pipeline, ts.store, quiet()).Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestStatusReportsDatabase(t *testing.T) {
	ts := newTestServer(t)
	if err := database.Close(ts.db); err != nil {
		t.Fatal(err)
	}
	w := ts.do(t, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if st := decode[statusResponse](t, w); !strings.Contains(st.Database, "database unavailable") {
		t.Fatalf("database %q", st.Database)
	}
}

func TestStatusAndOrientation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if st := decode[statusResponse](t, w); st.State != "disconnected" || st.Database != "ok" {
		t.Fatalf("status %+v", st)
	}

	if w := ts.do(t, http.MethodGet, "/api/orientation", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("orientation before data: %d", w.Code)
	}

	ts.feed.connect("C0:FF:EE:00:00:01")
	ts.feed.samples.Publish(level(10))
	waitFor(t, "frame", func() bool { _, ok := ts.pipeline.Latest(); return ok })

	w = ts.do(t, http.MethodGet, "/api/orientation", "")
	if w.Code != http.StatusOK {
		t.Fatalf("orientation %d", w.Code)
	}
	o := decode[orientationResponse](t, w)
	if o.Timestamp != 10 || o.Sample.AccZ != 1 {
		t.Fatalf("orientation %+v", o)
	}
	if st := decode[statusResponse](t, ts.do(t, http.MethodGet, "/api/status", "")); st.State != "connected" || st.Device != "C0:FF:EE:00:00:01" {
		t.Fatalf("status %+v", st)
	}
}

func TestLinkEndpoints(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/api/link/scan", ""); w.Code != http.StatusAccepted {
		t.Fatalf("scan %d", w.Code)
	}
	if ts.feed.scans != 1 {
		t.Fatalf("scans = %d", ts.feed.scans)
	}
	w := ts.do(t, http.MethodPost, "/api/link/disconnect", "")
	if w.Code != http.StatusOK || decode[StatusMessage](t, w).State != "disconnected" {
		t.Fatalf("disconnect %d %s", w.Code, w.Body)
	}
}

func TestCalibrationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/calibration/quick", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("quick %d", w.Code)
	}
	if m := decode[CalibrationMessage](t, w); m.Status != calibration.StatusInProgress || m.Type != calibration.TypeQuick {
		t.Fatalf("quick state %+v", m)
	}
	ts.do(t, http.MethodPost, "/api/calibration/abort", "")
	ts.do(t, http.MethodPost, "/api/calibration/full", "")
	if got := strings.Join(ts.calib.Commands(), ","); got != "quick,abort,full" {
		t.Fatalf("commands %s", got)
	}
	if m := decode[CalibrationMessage](t, ts.do(t, http.MethodGet, "/api/calibration", "")); m.Type != calibration.TypeFull {
		t.Fatalf("state %+v", m)
	}

	ts.calib.err = fmt.Errorf("start calibration: %w", link.ErrNotConnected)
	if w := ts.do(t, http.MethodPost, "/api/calibration/quick", ""); w.Code != http.StatusConflict {
		t.Fatalf("not connected: %d", w.Code)
	}
	ts.calib.err = &link.Error{Op: "calibration", Kind: link.ErrCharacteristicNotFound, Remediation: "update the firmware"}
	w = ts.do(t, http.MethodPost, "/api/calibration/full", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing characteristic: %d", w.Code)
	}
	if e := decode[errorResponse](t, w); e.Remediation != "update the firmware" {
		t.Fatalf("error %+v", e)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/sessions", `{"exerciseType":"squat"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start %d %s", w.Code, w.Body)
	}
	sess := decode[models.Session](t, w)
	if sess.ExerciseType == nil || *sess.ExerciseType != "squat" || !sess.Active() {
		t.Fatalf("session %+v", sess)
	}
	if w := ts.do(t, http.MethodPost, "/api/sessions", ""); w.Code != http.StatusConflict {
		t.Fatalf("second start %d", w.Code)
	}

	for ts_ := uint32(1); ts_ <= 3; ts_++ {
		ts.feed.samples.Publish(level(ts_ * 20))
	}
	waitFor(t, "samples recorded", func() bool {
		ts.pipeline.mu.Lock()
		defer ts.pipeline.mu.Unlock()
		return ts.pipeline.recorded == 3
	})

	w = ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", "")
	if w.Code != http.StatusOK || decode[models.Session](t, w).Active() {
		t.Fatalf("end %d %s", w.Code, w.Body)
	}
	if ts.pipeline.Recording() != "" {
		t.Fatal("still recording")
	}
	if w := ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", ""); w.Code != http.StatusConflict {
		t.Fatalf("second end %d", w.Code)
	}

	got := decode[sessionResponse](t, ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID, ""))
	if got.Measurements != 3 {
		t.Fatalf("measurements = %d", got.Measurements)
	}

	w = ts.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, `{"comments":"felt good"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch %d", w.Code)
	}
	if s := decode[models.Session](t, w); s.Comments == nil || *s.Comments != "felt good" || *s.ExerciseType != "squat" {
		t.Fatalf("patched %+v", s)
	}

	list := decode[[]models.Session](t, ts.do(t, http.MethodGet, "/api/sessions", ""))
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("list %+v", list)
	}

	w = ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, sess.ID+".csv") {
		t.Fatalf("content disposition %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 || lines[0] != "timestamp,accX,accY,accZ,gyrX,gyrY,gyrZ" || lines[1] != "20,0.0000,0.0000,1.0000,0.0000,0.0000,0.0000" {
		t.Fatalf("csv %q", w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/export?format=json", "")
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("json content type %q", ct)
	}
	if w := ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/export?format=xml", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad format %d", w.Code)
	}

	if w := ts.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/export", ""); w.Code != http.StatusNotFound {
		t.Fatalf("export deleted %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
}

func readLive(t *testing.T, conn *websocket.Conn, typ string) LiveMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var m LiveMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func TestLiveWebSocket(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	first := readLive(t, conn, "calibration")
	if first.Calibration == nil || first.Calibration.Status != calibration.StatusIdle {
		t.Fatalf("initial %+v", first)
	}

	if err := conn.WriteJSON(LiveCommand{Action: "start_quick"}); err != nil {
		t.Fatal(err)
	}
	m := readLive(t, conn, "calibration")
	if m.Calibration.Status != calibration.StatusInProgress || m.Calibration.Instruction == "" {
		t.Fatalf("after start %+v", m.Calibration)
	}

	ts.feed.samples.Publish(level(40))
	m = readLive(t, conn, "sample")
	if m.Sample == nil || m.Sample.Timestamp != 40 || m.Orientation == nil || m.Linear == nil {
		t.Fatalf("sample message %+v", m)
	}

	if err := conn.WriteJSON(LiveCommand{Action: "dance"}); err != nil {
		t.Fatal(err)
	}
	if m := readLive(t, conn, "error"); !strings.Contains(m.Message, "dance") {
		t.Fatalf("error message %+v", m)
	}
	if got := strings.Join(ts.calib.Commands(), ","); got != "quick" {
		t.Fatalf("commands %s", got)
	}
}
