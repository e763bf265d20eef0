package dashboard

import (
	"encoding/json"
	"time"

	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/orchestrator"
)

// CycleStartData announces a cycle.
type CycleStartData struct {
	Cycle  string `json:"cycle"`
	DryRun bool   `json:"dry_run"`
}

// FamilyResultData reports one finished step.
type FamilyResultData struct {
	Cycle    string             `json:"cycle"`
	Stage    orchestrator.Stage `json:"stage"`
	Name     string             `json:"name"`
	Duration time.Duration      `json:"duration"`
	Skipped  bool               `json:"skipped,omitempty"`
	Error    string             `json:"error,omitempty"`
	Detail   any                `json:"detail,omitempty"`
}

// CycleCompleteData summarizes a finished cycle.
type CycleCompleteData struct {
	Cycle      string        `json:"cycle"`
	Steps      int           `json:"steps"`
	Failures   int           `json:"failures"`
	LockFaults int           `json:"lock_faults"`
	Duration   time.Duration `json:"duration"`
}

// Handler turns orchestrator events into dashboard messages. It implements
// orchestrator.Notifier.
type Handler struct {
	server *Server
}

var _ orchestrator.Notifier = (*Handler)(nil)

// NewHandler creates a Handler broadcasting on server.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

func (h *Handler) CycleStarted(report *orchestrator.CycleReport) {
	h.send(MessageTypeCycleStart, CycleStartData{Cycle: report.ID, DryRun: report.DryRun})
}

func (h *Handler) StepFinished(report *orchestrator.CycleReport, step orchestrator.StepReport) {
	h.send(MessageTypeFamilyResult, FamilyResultData{
		Cycle:    report.ID,
		Stage:    step.Stage,
		Name:     step.Name,
		Duration: step.Duration,
		Skipped:  step.Skipped,
		Error:    step.Error,
		Detail:   step.Detail,
	})
}

func (h *Handler) LockFault(info lock.Info) {
	h.send(MessageTypeLockFault, info)
}

func (h *Handler) CycleFinished(report *orchestrator.CycleReport) {
	h.send(MessageTypeCycleComplete, CycleCompleteData{
		Cycle:      report.ID,
		Steps:      len(report.Steps),
		Failures:   len(report.Failures()),
		LockFaults: len(report.LockFaults),
		Duration:   report.Finished.Sub(report.Started),
	})
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.server.logger.Error("failed to marshal message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}
