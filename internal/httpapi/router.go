package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulgrammer/contourline/internal/config"
	"github.com/paulgrammer/contourline/internal/ingress"
	"github.com/paulgrammer/contourline/internal/jobs"
	"github.com/paulgrammer/contourline/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type router struct {
	ingress  *ingress.Ingress
	store    jobs.Store
	streamer *jobs.StatusStreamer
	cfg      config.Config
}

func NewRouter(in *ingress.Ingress, store jobs.Store, streamer *jobs.StatusStreamer, cfg config.Config) http.Handler {
	rt := &router{ingress: in, store: store, streamer: streamer, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging)

	r.Get("/healthz", rt.handleLiveness)
	r.Get("/info", rt.handleInfo)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.handleHealth)
		r.Route("/images", func(r chi.Router) {
			r.Post("/upload", rt.handleUpload)
			r.Get("/status/{id}", rt.handleStatus)
			r.Get("/status/{id}/events", rt.handleStatusEvents)
			r.Get("/results", rt.handleResults)
		})
	})

	// Result artifacts are plain files; serve them directly.
	r.Handle("/static/results/*", http.StripPrefix("/static/results/",
		http.FileServer(http.Dir(cfg.ResultDir))))

	return r
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (rt *router) handleUpload(w http.ResponseWriter, req *http.Request) {
	file, header, err := req.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing 'file' upload")
		return
	}
	defer file.Close()

	job, err := rt.ingress.Submit(req.Context(), file, header.Filename, header.Size)

	var verr *ingress.ValidationError
	switch {
	case errors.As(err, &verr):
		respondWithError(w, http.StatusBadRequest, verr.Error())
		return
	case errors.Is(err, queue.ErrUnavailable):
		// The record exists and is marked failed; tell the caller which
		// job to look at.
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "queue unavailable, job not scheduled",
			"job_id": job.ID,
		})
		return
	case err != nil:
		slog.Error("upload failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to accept upload")
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.ID,
		"filename": job.Filename,
		"state":    string(job.State),
	})
}

func (rt *router) handleStatus(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	job, err := rt.store.Get(req.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		slog.Error("status lookup failed", "job_id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	respondWithJSON(w, http.StatusOK, jobResponse(job))
}

func (rt *router) handleStatusEvents(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	job, err := rt.store.Get(req.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	// Subscribe before snapshotting, then re-read the record: a transition
	// landing in between is delivered instead of lost. The client may see
	// the same state twice and must treat events as idempotent.
	rt.streamer.Subscribe(id, conn)
	defer rt.streamer.Unsubscribe(id, conn)

	job, err = rt.store.Get(req.Context(), id)
	if err != nil {
		conn.Close()
		return
	}
	snapshot := jobs.Event{JobID: job.ID, State: job.State, OutputRef: job.OutputRef, Error: job.Error, Timestamp: job.UpdatedAt}
	if err := conn.WriteJSON(snapshot); err != nil || job.State.Terminal() {
		conn.Close()
		return
	}

	// Keep the connection open until the client goes away or the job
	// finishes and the streamer closes it.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}

func (rt *router) handleResults(w http.ResponseWriter, req *http.Request) {
	list, err := rt.store.ListTerminal(req.Context())
	if err != nil {
		slog.Error("list results failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	results := make([]map[string]any, 0, len(list))
	for _, job := range list {
		results = append(results, jobResponse(job))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (rt *router) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"app_name":   config.AppName,
		"version":    config.Version,
		"upload_dir": rt.cfg.UploadDir,
		"result_dir": rt.cfg.ResultDir,
	})
}

func (rt *router) handleInfo(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"app_name":           config.AppName,
		"version":            config.Version,
		"upload_dir":         rt.cfg.UploadDir,
		"result_dir":         rt.cfg.ResultDir,
		"max_file_size_mb":   float64(rt.cfg.MaxFileSize) / (1024 * 1024),
		"allowed_extensions": rt.cfg.AllowedExtensions,
		"upload_endpoint":    "/api/v1/images/upload",
		"health_check":       "/api/v1/health",
	})
}

func jobResponse(job jobs.Job) map[string]any {
	resp := map[string]any{
		"job_id":     job.ID,
		"filename":   job.Filename,
		"state":      job.State,
		"attempts":   job.Attempts,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.OutputRef != "" {
		resp["output_ref"] = job.OutputRef
		resp["output_url"] = "/static/results/" + job.OutputRef
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return resp
}
