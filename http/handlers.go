package http

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"diabetesrisk/db"
	"diabetesrisk/ml"
	"diabetesrisk/serving"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

// defaultFeatureNames label the form before any model is loaded.
var defaultFeatureNames = []string{
	"Pregnancies", "Glucose", "BloodPressure", "SkinThickness",
	"Insulin", "BMI", "DiabetesPedigreeFunction", "Age",
}

// History is the read side of the sqlite store.
type History interface {
	LoadTrainingLog(ctx context.Context, limit int) ([]db.TrainingLog, error)
	RecentPredictions(ctx context.Context, limit int) ([]db.PredictionRecord, error)
}

type Handlers struct {
	svc     *serving.Service
	history History
	events  http.Handler
	logger  *zap.Logger
	pages   *template.Template
}

// NewHandlers wires the pages and the JSON API. history and events may be
// nil; their endpoints then answer 503.
func NewHandlers(svc *serving.Service, history History, events http.Handler, logger *zap.Logger) (*Handlers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pages, err := template.New("pages").Funcs(template.FuncMap{
		"percent": func(v float64) float64 { return v * 100 },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handlers{svc: svc, history: history, events: events, logger: logger.Named("http"), pages: pages}, nil
}

func RegisterHandlers(mux *http.ServeMux, h *Handlers) {
	mux.HandleFunc("GET /{$}", h.handleHome)
	mux.HandleFunc("GET /predict", h.handlePredictForm)
	mux.HandleFunc("GET /result", h.handleResult)

	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/predict", h.handlePredict)
	mux.HandleFunc("GET /api/model", h.handleModel)
	mux.HandleFunc("GET /api/training/log", h.handleTrainingLog)
	mux.HandleFunc("GET /api/predictions", h.handlePredictions)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/ws/events", h.handleEvents)
}

type formField struct {
	Param string
	Label string
}

type pageData struct {
	Title      string
	Model      *serving.ModelInfo
	Fields     []formField
	Result     string
	Prediction *ml.Prediction
}

func (h *Handlers) handleHome(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Home"}
	if info, err := h.svc.ModelInfo(); err == nil {
		data.Model = &info
	}
	h.render(w, http.StatusOK, "home.html", data)
}

func (h *Handlers) handlePredictForm(w http.ResponseWriter, r *http.Request) {
	names := defaultFeatureNames
	if p := h.svc.Predictor(); p != nil {
		names = p.FeatureNames()
	}
	fields := make([]formField, len(names))
	for i, name := range names {
		fields[i] = formField{Param: ml.FeatureParam(i), Label: name}
	}
	h.render(w, http.StatusOK, "predict.html", pageData{Title: "Predict", Fields: fields})
}

// handleResult renders the verdict. Bad input is a normal outcome for the
// page and renders "Invalid input" with 200.
func (h *Handlers) handleResult(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Result"}
	pred, err := h.svc.PredictQuery(r.Context(), r.URL.Query())
	switch {
	case err == nil:
		data.Result = pred.Result
		data.Prediction = &pred
		h.render(w, http.StatusOK, "result.html", data)
	case errors.Is(err, ml.ErrInvalidInput):
		data.Result = ml.InvalidInputMessage
		h.render(w, http.StatusOK, "result.html", data)
	default:
		status, _ := errorStatus(err)
		h.logger.Error("result page", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		data.Result = http.StatusText(status)
		h.render(w, status, "result.html", data)
	}
}

func (h *Handlers) render(w http.ResponseWriter, status int, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.pages.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("render template", zap.String("template", name), zap.Error(err))
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":       "ok",
		"model_loaded": h.svc.Ready(),
		"metrics":      h.svc.Metrics().Snapshot(),
	}
	status := http.StatusOK
	if p := h.svc.Predictor(); p != nil {
		resp["model_version"] = p.Artifact().RunID
	} else {
		resp["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	pred, err := h.svc.PredictQuery(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (h *Handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.ModelInfo()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "history is not configured", Kind: "unavailable"})
		return
	}
	logs, err := h.history.LoadTrainingLog(r.Context(), queryLimit(r, 0))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handlers) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "history is not configured", Kind: "unavailable"})
		return
	}
	records, err := h.history.RecentPredictions(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.svc.Metrics().Handler().ServeHTTP(w, r)
}

func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event stream is not configured", Kind: "unavailable"})
		return
	}
	h.events.ServeHTTP(w, r)
}

func queryLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return min(limit, 1000)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// errorStatus maps an error kind onto its HTTP status and stable name.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, serving.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, ml.ErrInvalidInput):
		return http.StatusBadRequest, ml.ErrorKind(err)
	case errors.Is(err, ml.ErrDatasetUnavailable), errors.Is(err, ml.ErrTrainingFailure):
		return http.StatusServiceUnavailable, ml.ErrorKind(err)
	default:
		return http.StatusInternalServerError, ml.ErrorKind(err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", GetRequestID(r.Context())), zap.String("kind", kind), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
