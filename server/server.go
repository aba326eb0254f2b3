// Package server exposes the orchestrator's REST API: flow submission and
// inspection, artefact download, secret management and a websocket stream of
// scheduler events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmium/flowmium/artefacts"
	"github.com/flowmium/flowmium/eventbus"
	"github.com/flowmium/flowmium/executor"
	"github.com/flowmium/flowmium/flow"
	"github.com/flowmium/flowmium/scheduler"
	"github.com/flowmium/flowmium/secrets"
)

// maxFlowBodySize limits the size of flow submission bodies.
const maxFlowBodySize = 1 << 20 // 1 MB

// FlowService accepts new flows.
type FlowService interface {
	InstantiateFlow(ctx context.Context, f flow.Flow) (int64, error)
}

// FlowReader serves flow listings and the event stream.
type FlowReader interface {
	ListFlows(ctx context.Context) ([]scheduler.FlowListRecord, error)
	GetFlow(ctx context.Context, flowID int64) (*scheduler.FlowRecord, error)
	Subscribe() *eventbus.Subscription[scheduler.Event]
}

// SecretWriter manages stored secrets.
type SecretWriter interface {
	Create(ctx context.Context, key, value string) error
	Update(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ArtefactStore serves stored task outputs.
type ArtefactStore interface {
	GetArtefact(ctx context.Context, storePath string) ([]byte, error)
}

// Server is the orchestrator HTTP API.
type Server struct {
	flows     FlowService
	records   FlowReader
	secrets   SecretWriter
	artefacts ArtefactStore
	logger    *slog.Logger
}

// New wires the API against its backing services.
func New(flows FlowService, records FlowReader, secretWriter SecretWriter, artefactStore ArtefactStore, logger *slog.Logger) *Server {
	return &Server{
		flows:     flows,
		records:   records,
		secrets:   secretWriter,
		artefacts: artefactStore,
		logger:    logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/job", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/job", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/job/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/artefact/{flow_id}/{output_name}", s.handleDownloadArtefact)
	mux.HandleFunc("POST /api/v1/secret/{key}", s.handleCreateSecret)
	mux.HandleFunc("PUT /api/v1/secret/{key}", s.handleUpdateSecret)
	mux.HandleFunc("DELETE /api/v1/secret/{key}", s.handleDeleteSecret)
	mux.HandleFunc("GET /api/v1/scheduler/ws", s.handleSchedulerWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var f flow.Flow
	body := http.MaxBytesReader(w, r.Body, maxFlowBodySize)
	if err := json.NewDecoder(body).Decode(&f); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid flow definition: "+err.Error())
		return
	}

	flowID, err := s.flows.InstantiateFlow(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(strconv.FormatInt(flowID, 10)))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	flows, err := s.records.ListFlows(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	flowID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid flow id")
		return
	}

	record, err := s.records.GetFlow(r.Context(), flowID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDownloadArtefact(w http.ResponseWriter, r *http.Request) {
	flowID, err := strconv.ParseInt(r.PathValue("flow_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid flow id")
		return
	}
	outputName := r.PathValue("output_name")

	data, err := s.artefacts.GetArtefact(r.Context(), artefacts.StorePath(flowID, outputName))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// decodeSecretValue reads a JSON string request body.
func decodeSecretValue(r *http.Request) (string, error) {
	var value string
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		return "", err
	}
	return value, nil
}

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	value, err := decodeSecretValue(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid secret value: "+err.Error())
		return
	}

	if err := s.secrets.Create(r.Context(), r.PathValue("key"), value); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	value, err := decodeSecretValue(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid secret value: "+err.Error())
		return
	}

	if err := s.secrets.Update(r.Context(), r.PathValue("key"), value); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.secrets.Delete(r.Context(), r.PathValue("key")); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// writeServiceError maps errors from the backing services to status codes.
// Caller mistakes map to 400, everything else is a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		nameTooLong    *executor.FlowNameTooLongError
		flowNotFound   *scheduler.FlowDoesNotExistError
		artefactGone   *artefacts.ArtefactDoesNotExistError
		secretExists   *secrets.SecretAlreadyExistsError
		secretNotFound *secrets.SecretDoesNotExistError
	)

	switch {
	case flow.IsValidationError(err),
		errors.As(err, &nameTooLong),
		errors.As(err, &flowNotFound),
		errors.As(err, &artefactGone),
		errors.As(err, &secretExists),
		errors.As(err, &secretNotFound):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
