package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/instance"
	"github.com/stackvirt/vmshift/pkg/migration"
)

// agentServer exposes two surfaces on one listener: the peer-facing phase
// endpoints under /migration/, and the operator-facing task endpoints under
// /migrate.
type agentServer struct {
	logger     *zap.Logger
	controller *migration.PhaseController
	peers      map[string]string
	local      migration.NodeProxy

	mu    sync.Mutex
	tasks map[string]*migration.Task
}

func newAgentServer(logger *zap.Logger, controller *migration.PhaseController, peers map[string]string) *agentServer {
	return &agentServer{
		logger:     logger.Named("http"),
		controller: controller,
		peers:      peers,
		local:      &migration.LocalProxy{Controller: controller},
		tasks:      make(map[string]*migration.Task),
	}
}

func (s *agentServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /migration/prepare", s.handlePrepare)
	mux.HandleFunc("POST /migration/perform", s.handlePerform)
	mux.HandleFunc("POST /migration/finish", s.handleFinish)
	mux.HandleFunc("POST /migration/confirm", s.handleConfirm)
	mux.HandleFunc("POST /migration/cancel", s.handleCancel)
	mux.HandleFunc("POST /migration/resume", s.handleResume)

	mux.HandleFunc("POST /migrate", s.handleStartTask)
	mux.HandleFunc("GET /migrate/{id}", s.handleTaskStatus)
	mux.HandleFunc("POST /migrate/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("POST /migrate/{id}/resume", s.handleTaskResume)
	return mux
}

func decode[T any](w http.ResponseWriter, r *http.Request, into *T) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

// statusForError maps domain errors onto HTTP statuses; anything
// unclassified is a 500.
func statusForError(err error) int {
	var (
		protoErr *migration.UnsupportedProtocolError
		stateErr *instance.InvalidStateError
	)
	switch {
	case errors.As(err, &protoErr):
		return http.StatusBadRequest
	case errors.As(err, &stateErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *agentServer) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req api.PrepareRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.controller.Prepare(r.Context(), req.Params)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *agentServer) handlePerform(w http.ResponseWriter, r *http.Request) {
	var req api.PerformRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.controller.Perform(r.Context(), req.Params, req.Dest)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *agentServer) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req api.FinishRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.controller.Finish(r.Context(), req.Params, req.Perform)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *agentServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req api.ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.controller.Confirm(r.Context(), req.Params, req.Finish); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *agentServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if !decode(w, r, &req) {
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cancelled, err := s.controller.Cancel(r.Context(), req.Params, timeout)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: cancelled})
}

func (s *agentServer) handleResume(w http.ResponseWriter, r *http.Request) {
	var req api.ResumeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.controller.Resume(r.Context(), req.Params); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type startTaskRequest struct {
	Params   api.MigrationParams `json:"params"`
	DestNode string              `json:"destNode"`
}

type taskResponse struct {
	TaskID   string             `json:"taskID"`
	Phase    migration.Phase    `json:"phase"`
	Prepared *api.PrepareResult `json:"prepared,omitempty"`
	Success  *bool              `json:"success,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// handleStartTask launches a migration with this host as the source. The
// task runs in the background; its phase is observable via GET.
func (s *agentServer) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if !decode(w, r, &req) {
		return
	}
	baseURL, ok := s.peers[req.DestNode]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown destination node %q", req.DestNode))
		return
	}
	dest := &migration.HTTPProxy{BaseURL: baseURL}

	task := migration.NewTask(s.logger, req.Params, s.local, dest)
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	go func() {
		// Detached from the request; the task owns its own lifetime.
		result, err := task.Execute(context.Background())
		if err != nil {
			s.logger.Error("migration task failed", zap.String("taskID", task.ID), zap.Error(err))
			return
		}
		s.logger.Info("migration task finished",
			zap.String("taskID", task.ID),
			zap.Bool("success", result.Success))
	}()

	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, Phase: task.Phase()})
}

func (s *agentServer) task(w http.ResponseWriter, r *http.Request) (*migration.Task, bool) {
	id := r.PathValue("id")
	s.mu.Lock()
	task, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %q", id))
		return nil, false
	}
	return task, true
}

func (s *agentServer) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}
	resp := taskResponse{
		TaskID:   task.ID,
		Phase:    task.Phase(),
		Prepared: task.Prepared(),
	}
	if outcome, done := task.Outcome(); done {
		if outcome.Err != nil {
			resp.Error = outcome.Err.Error()
		} else {
			resp.Success = &outcome.Result.Success
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *agentServer) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}
	cancelled, err := task.Cancel(r.Context(), 30*time.Second)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: cancelled})
}

func (s *agentServer) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(w, r)
	if !ok {
		return
	}
	if err := task.Resume(r.Context()); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
