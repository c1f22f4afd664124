package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterProcessingRoutes 注册管线触发与状态路由
func (r *Router) RegisterProcessingRoutes(h *ProcessingHandler) {
	// trigger/{job_type}
	r.Handle("/processing/api/v1/trigger/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		jobName := strings.TrimPrefix(req.URL.Path, "/processing/api/v1/trigger/")
		if jobName == "" || strings.Contains(jobName, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.TriggerJob(w, req, jobName)
	})

	r.Handle("/processing/api/v1/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetStatus(w, req)
	})

	r.Handle("/processing/api/v1/models", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListModels(w, req)
	})

	// models/{model_id}/promote
	r.Handle("/processing/api/v1/models/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/processing/api/v1/models/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] != "promote" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.PromoteModel(w, req, parts[0])
	})

	r.Handle("/healthz", h.Healthz)
}
