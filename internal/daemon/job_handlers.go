package daemon

import (
	"net/http"
	"strconv"
	"strings"

	"vigil/internal/api"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/logging"
	"vigil/internal/services"
)

func (s *apiServer) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	engine := s.daemon.engine
	job, err := engine.Create(r.Context(), callerFrom(r), jobengine.CreateRequest{
		Kind:            req.Kind,
		SourceRef:       req.SourceRef,
		ModelType:       req.ModelType,
		DurationSeconds: req.DurationSeconds,
		StreamID:        req.StreamID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := engine.Run(r.Context(), job.ID); err != nil {
		logging.WarnWithContext(s.logger, "job created but not started", "job_run_rejected",
			logging.JobID(job.ID),
			logging.Error(err),
		)
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.JobStateResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *apiServer) handleJobList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter jobstore.Filter
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := jobstore.ParseStatus(part)
			if !ok {
				s.fail(w, r, services.Wrap(services.ErrValidation, "api", "list", "unknown status "+part, nil))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if value := strings.TrimSpace(query.Get("kind")); value != "" {
		kind, ok := jobstore.ParseKind(value)
		if !ok {
			s.fail(w, r, services.Wrap(services.ErrValidation, "api", "list", "unknown kind "+value, nil))
			return
		}
		filter.Kind = kind
	}
	var page jobstore.Page
	page.Limit, _ = strconv.Atoi(query.Get("limit"))
	page.Offset, _ = strconv.Atoi(query.Get("offset"))
	if page.Limit < 0 || page.Offset < 0 {
		s.fail(w, r, services.Wrap(services.ErrValidation, "api", "list", "limit and offset must not be negative", nil))
		return
	}

	jobs, total, err := s.daemon.engine.List(r.Context(), callerFrom(r), filter, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	normalized := page.Normalized()
	s.writeJSON(w, http.StatusOK, api.JobListResponse{
		Items:  api.FromJobs(jobs),
		Total:  total,
		Limit:  normalized.Limit,
		Offset: normalized.Offset,
	})
}

func (s *apiServer) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.engine.Get(r.Context(), callerFrom(r), r.PathValue("jobId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (s *apiServer) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.engine.Cancel(r.Context(), callerFrom(r), r.PathValue("jobId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobStateResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *apiServer) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.engine.Delete(r.Context(), callerFrom(r), r.PathValue("jobId")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DeletedResponse{Deleted: true})
}
