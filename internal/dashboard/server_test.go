package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/orchestrator"
)

func startServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()
	s := NewServer(&Config{Port: 0, Status: status})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	deadline := time.Now().Add(5 * time.Second)
	for s.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

// TestHandler_BroadcastsCycleEvents tests the message sequence of one cycle
func TestHandler_BroadcastsCycleEvents(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)
	h := NewHandler(s)

	started := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	report := &orchestrator.CycleReport{ID: "c1", Started: started}
	h.CycleStarted(report)
	h.LockFault(lock.Info{Resource: "export-jobs", Holder: "h1", Stuck: true})
	step := orchestrator.StepReport{Stage: orchestrator.StageExport, Name: "expenses", Error: "boom"}
	report.Steps = append(report.Steps, step)
	h.StepFinished(report, step)
	report.Finished = started.Add(time.Minute)
	h.CycleFinished(report)

	want := []MessageType{MessageTypeCycleStart, MessageTypeLockFault, MessageTypeFamilyResult, MessageTypeCycleComplete}
	var msgs []Message
	for range want {
		msgs = append(msgs, readMessage(t, conn))
	}
	for i, m := range msgs {
		if m.Type != want[i] {
			t.Errorf("message %d type = %s, want %s", i, m.Type, want[i])
		}
	}

	var result FamilyResultData
	if err := json.Unmarshal(msgs[2].Data, &result); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if result.Stage != orchestrator.StageExport || result.Name != "expenses" || result.Error != "boom" {
		t.Errorf("family_result = %+v", result)
	}

	var done CycleCompleteData
	if err := json.Unmarshal(msgs[3].Data, &done); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if done.Cycle != "c1" || done.Steps != 1 || done.Duration != time.Minute {
		t.Errorf("cycle_complete = %+v", done)
	}
}

// TestHandleStatus tests the last report endpoint
func TestHandleStatus(t *testing.T) {
	var report *orchestrator.CycleReport
	s := NewServer(&Config{Status: func() *orchestrator.CycleReport { return report }})
	defer s.Stop()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status before first cycle = %d, want 204", rec.Code)
	}

	report = &orchestrator.CycleReport{ID: "c7", Steps: []orchestrator.StepReport{{Stage: orchestrator.StageFold, Name: "jobs"}}}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got orchestrator.CycleReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if got.ID != "c7" || len(got.Steps) != 1 || got.Steps[0].Name != "jobs" {
		t.Errorf("status body = %+v", got)
	}
}

// TestHandleHealth tests the health endpoint
func TestHandleHealth(t *testing.T) {
	s := NewServer(nil)
	defer s.Stop()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if body["status"] != "ok" || body["clients"] != 0.0 {
		t.Errorf("health = %v", body)
	}
}
