// Package api exposes the runner over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/persistence"
	"github.com/andrej220/hexactl/internal/runner"
	"github.com/andrej220/hexactl/internal/serverutil"
	"github.com/andrej220/hexactl/pkg/registry"
	datamodels "github.com/andrej220/hexactl/pkg/shared-models"
)

// Catalog resolves procedure and target names. *registry.Registry and
// *registry.Live both satisfy it.
type Catalog interface {
	Procedure(name string) (registry.Procedure, error)
	Target(name string) (registry.Target, error)
}

// ReportLoader finds reports of runs this process no longer holds.
type ReportLoader interface {
	Load(id uuid.UUID) (runner.Status, error)
}

var errBadID = errors.New("invalid run id")

type Server struct {
	catalog Catalog
	runner  *runner.Runner
	reports ReportLoader
	logger  lg.Logger
}

// New builds the API. reports may be nil.
func New(catalog Catalog, r *runner.Runner, reports ReportLoader, logger lg.Logger) *Server {
	return &Server{catalog: catalog, runner: r, reports: reports, logger: lg.OrDiscard(logger)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /runs", serverutil.NewValidationHandler[datamodels.RunRequest](http.HandlerFunc(s.startRun)))
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.HandleFunc("GET /runs/{id}/log", s.getLog)
	mux.HandleFunc("POST /runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		serverutil.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start resolves req against the catalog and starts the run.
func (s *Server) Start(req datamodels.RunRequest) (*runner.Run, error) {
	proc, err := s.catalog.Procedure(req.Procedure)
	if err != nil {
		return nil, err
	}
	target, err := s.catalog.Target(req.Target)
	if err != nil {
		return nil, err
	}
	return s.runner.Start(proc, target)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadID):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrTargetBusy):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUnknownProcedure),
		errors.Is(err, registry.ErrUnknownTarget),
		errors.Is(err, runner.ErrUnknownRun),
		errors.Is(err, persistence.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrRunnerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) startRun(rw http.ResponseWriter, r *http.Request) {
	req, _ := serverutil.RequestFromContext[datamodels.RunRequest](r.Context())
	run, err := s.Start(req)
	if err != nil {
		s.logger.Info("run rejected", lg.String("procedure", req.Procedure), lg.String("target", req.Target), lg.Err(err))
		serverutil.WriteError(rw, statusFor(err), err.Error())
		return
	}
	serverutil.WriteJSON(rw, http.StatusAccepted, datamodels.RunResponse{ID: run.ID})
}

func (s *Server) listRuns(rw http.ResponseWriter, _ *http.Request) {
	runs := s.runner.Runs()
	out := make([]runner.Status, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Status(false))
	}
	serverutil.WriteJSON(rw, http.StatusOK, out)
}

func (s *Server) lookup(r *http.Request) (*runner.Run, runner.Status, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, runner.Status{}, fmt.Errorf("%w: %v", errBadID, err)
	}
	run, err := s.runner.Get(id)
	if err == nil {
		return run, run.Status(true), nil
	}
	if s.reports == nil {
		return nil, runner.Status{}, err
	}
	st, err := s.reports.Load(id)
	return nil, st, err
}

func (s *Server) getRun(rw http.ResponseWriter, r *http.Request) {
	_, st, err := s.lookup(r)
	if err != nil {
		serverutil.WriteError(rw, statusFor(err), err.Error())
		return
	}
	st.Log = nil
	serverutil.WriteJSON(rw, http.StatusOK, st)
}

// getLog returns the log so far. With ?follow=true a live run's records are
// streamed as newline-delimited JSON until it finishes.
func (s *Server) getLog(rw http.ResponseWriter, r *http.Request) {
	run, st, err := s.lookup(r)
	if err != nil {
		serverutil.WriteError(rw, statusFor(err), err.Error())
		return
	}
	if run == nil || r.URL.Query().Get("follow") != "true" {
		if st.Log == nil {
			st.Log = []runner.Record{}
		}
		serverutil.WriteJSON(rw, http.StatusOK, st.Log)
		return
	}

	rw.Header().Set("Content-Type", "application/x-ndjson")
	rw.WriteHeader(http.StatusOK)
	flusher, _ := rw.(http.Flusher)
	enc := json.NewEncoder(rw)
	for rec := range run.Watch(r.Context()) {
		if err := enc.Encode(rec); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) cancelRun(rw http.ResponseWriter, r *http.Request) {
	run, _, err := s.lookup(r)
	if err != nil {
		serverutil.WriteError(rw, statusFor(err), err.Error())
		return
	}
	if run == nil {
		serverutil.WriteError(rw, http.StatusConflict, "run already finished")
		return
	}
	run.Cancel()
	s.logger.Info("run cancel requested", lg.String("run", run.ID.String()))
	serverutil.WriteJSON(rw, http.StatusAccepted, run.Status(false))
}
