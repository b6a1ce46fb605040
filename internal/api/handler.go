package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"thermohygrometer-server/internal/analysis"
	"thermohygrometer-server/internal/calibration"
	"thermohygrometer-server/internal/model"
	"thermohygrometer-server/internal/monitor"
	"thermohygrometer-server/internal/report"
	"thermohygrometer-server/internal/storage"
	"thermohygrometer-server/pkg/protocol"
)

// Store 接口需要的存储操作
type Store interface {
	LoadSeries(ctx context.Context, req *analysis.Request) (map[analysis.TargetKey][]analysis.Sample, error)
	InstrumentLabels(ctx context.Context, ids []int64) (map[int64]string, error)
	GetInstrument(ctx context.Context, id int64) (*model.Instrument, error)
	DeleteInstrument(ctx context.Context, id int64) error
	ListSensors(ctx context.Context, instrumentID int64) ([]*model.Sensor, error)
	CreateSensor(ctx context.Context, sensor *model.Sensor) error
	CreateCertificate(ctx context.Context, cert *calibration.Certificate) error
	GetCertificate(ctx context.Context, id int64) (*calibration.Certificate, error)
	DeleteCertificate(ctx context.Context, id int64) error
	HealthCheck(ctx context.Context) error
}

// Sessions 仪器会话管理
type Sessions interface {
	Register(ctx context.Context, address string, port, saveIntervalMinutes int) (*model.Instrument, error)
	Disconnect(id int64) error
	Connected() []int64
}

// ReportPublisher 报告生成管道
type ReportPublisher interface {
	PublishAnalysis(ctx context.Context, requestID string, result *analysis.Result) error
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// AnalysisRequest 分析请求体
type AnalysisRequest struct {
	StartDate   string            `json:"start_date"`
	EndDate     string            `json:"end_date"`
	StartTime   string            `json:"start_time"`
	EndTime     string            `json:"end_time"`
	Instruments []analysis.Target `json:"instruments"`
}

// RegisterRequest 注册仪器请求体
type RegisterRequest struct {
	Address             string `json:"ip_address"`
	Port                int    `json:"port"`
	SaveIntervalMinutes int    `json:"time_interval_to_save_measures"`
}

type Handler struct {
	store    Store
	sessions Sessions
	analyzer *analysis.Analyzer
	reports  ReportPublisher
	loc      *time.Location
	log      *logrus.Logger
}

func NewHandler(
	store Store,
	sessions Sessions,
	analyzer *analysis.Analyzer,
	reports ReportPublisher,
	loc *time.Location,
	log *logrus.Logger,
) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		store:    store,
		sessions: sessions,
		analyzer: analyzer,
		reports:  reports,
		loc:      loc,
		log:      log,
	}
}

// NewRouter 创建路由, 所有接口位于 /api/v1 下
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger(h.log))
	h.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

// RegisterRoutes 注册接口路由
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/environmental-analysis/analyze-environmental-data", h.AnalyzeEnvironmentalData).Methods(http.MethodPost)
	router.HandleFunc("/environmental-analysis/out-of-limits-chart", h.OutOfLimitsChart).Methods(http.MethodPost)
	router.HandleFunc("/environmental-analysis/analyze-with-ai", h.AnalyzeWithAI).Methods(http.MethodPost)
	router.HandleFunc("/instruments", h.RegisterInstrument).Methods(http.MethodPost)
	router.HandleFunc("/instruments/connected", h.ConnectedInstruments).Methods(http.MethodGet)
	router.HandleFunc("/instruments/{id:[0-9]+}", h.DeleteInstrument).Methods(http.MethodDelete)
	router.HandleFunc("/instruments/{id:[0-9]+}/disconnect", h.DisconnectInstrument).Methods(http.MethodPost)
	router.HandleFunc("/instruments/{id:[0-9]+}/sensors", h.ListSensors).Methods(http.MethodGet)
	router.HandleFunc("/instruments/{id:[0-9]+}/sensors", h.CreateSensor).Methods(http.MethodPost)
	router.HandleFunc("/certificates", h.CreateCertificate).Methods(http.MethodPost)
	router.HandleFunc("/certificates/{id:[0-9]+}", h.GetCertificate).Methods(http.MethodGet)
	router.HandleFunc("/certificates/{id:[0-9]+}", h.DeleteCertificate).Methods(http.MethodDelete)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
}

// AnalyzeEnvironmentalData POST /environmental-analysis/analyze-environmental-data
func (h *Handler) AnalyzeEnvironmentalData(w http.ResponseWriter, r *http.Request) {
	result, err := h.analyze(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, result, http.StatusOK)
}

// OutOfLimitsChart POST /environmental-analysis/out-of-limits-chart
func (h *Handler) OutOfLimitsChart(w http.ResponseWriter, r *http.Request) {
	req, series, err := h.load(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, h.analyzer.Chart(req, series), http.StatusOK)
}

// AnalyzeWithAI POST /environmental-analysis/analyze-with-ai
//
// 统计结果交给报告生成管道, 立即返回请求 ID.
func (h *Handler) AnalyzeWithAI(w http.ResponseWriter, r *http.Request) {
	result, err := h.analyze(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	requestID := RequestID(r.Context())
	if err := h.reports.PublishAnalysis(r.Context(), requestID, result); err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, map[string]any{
		"request_id": requestID,
		"status":     "accepted",
		"statistics": result.Statistics(),
	}, http.StatusAccepted)
}

func (h *Handler) analyze(r *http.Request) (*analysis.Result, error) {
	req, series, err := h.load(r)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		monitor.AnalysisDuration.Observe(time.Since(start).Seconds())
	}()
	return h.analyzer.Analyze(r.Context(), req, series)
}

// load 解析请求体, 补全显示名并加载样本
func (h *Handler) load(r *http.Request) (*analysis.Request, map[analysis.TargetKey][]analysis.Sample, error) {
	var body AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, nil, &analysis.InputError{Field: "body", Value: "", Err: err}
	}

	req, err := analysis.ParseRequest(body.StartDate, body.EndDate, body.StartTime, body.EndTime, body.Instruments, h.loc)
	if err != nil {
		return nil, nil, err
	}
	if err := h.resolveLabels(r.Context(), req.Targets); err != nil {
		return nil, nil, err
	}

	series, err := h.store.LoadSeries(r.Context(), req)
	if err != nil {
		return nil, nil, err
	}
	return req, series, nil
}

// resolveLabels 未提供显示名的目标使用仪器名称
func (h *Handler) resolveLabels(ctx context.Context, targets []analysis.Target) error {
	var ids []int64
	for _, t := range targets {
		if t.Label == "" {
			ids = append(ids, t.InstrumentID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	labels, err := h.store.InstrumentLabels(ctx, ids)
	if err != nil {
		return err
	}
	for i := range targets {
		if targets[i].Label == "" {
			targets[i].Label = labels[targets[i].InstrumentID]
		}
	}
	return nil
}

// RegisterInstrument POST /instruments
func (h *Handler) RegisterInstrument(w http.ResponseWriter, r *http.Request) {
	var body RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, r, &analysis.InputError{Field: "body", Err: err})
		return
	}
	if body.Address == "" {
		h.sendError(w, r, &analysis.InputError{Field: "ip_address", Err: errors.New("不能为空")})
		return
	}
	if body.Port == 0 {
		body.Port = protocol.DefaultPort
	}
	if body.Port < 0 || body.Port > 65535 {
		h.sendError(w, r, &analysis.InputError{Field: "port", Value: strconv.Itoa(body.Port), Err: errors.New("端口无效")})
		return
	}
	if body.SaveIntervalMinutes < 0 {
		h.sendError(w, r, &analysis.InputError{Field: "time_interval_to_save_measures", Value: strconv.Itoa(body.SaveIntervalMinutes), Err: errors.New("不能为负")})
		return
	}

	inst, err := h.sessions.Register(r.Context(), body.Address, body.Port, body.SaveIntervalMinutes)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, inst, http.StatusCreated)
}

// DeleteInstrument DELETE /instruments/{id}
func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	if err := h.sessions.Disconnect(id); err != nil && !storage.IsNotFound(err) {
		h.sendError(w, r, err)
		return
	}
	if err := h.store.DeleteInstrument(r.Context(), id); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisconnectInstrument POST /instruments/{id}/disconnect
func (h *Handler) DisconnectInstrument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if err := h.sessions.Disconnect(id); err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, map[string]any{"id": id, "status": "disconnecting"}, http.StatusOK)
}

// ConnectedInstruments GET /instruments/connected
func (h *Handler) ConnectedInstruments(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]any{"connected": h.sessions.Connected()}, http.StatusOK)
}

// HealthCheck GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if err := h.store.HealthCheck(r.Context()); err != nil {
		status["status"] = "unhealthy"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, code)
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &analysis.InputError{Field: "id", Value: raw, Err: err}
	}
	return id, nil
}

// statusFor 错误分类到 HTTP 状态码与对外消息
func statusFor(err error) (int, string) {
	var inputErr *analysis.InputError
	var readErr *protocol.ReadError
	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, "invalid parameters"
	case storage.IsNotFound(err):
		return http.StatusNotFound, "not found"
	case protocol.IsConnectionError(err), errors.As(err, &readErr):
		return http.StatusBadGateway, "instrument not reachable"
	case protocol.IsProtocolError(err):
		return http.StatusBadGateway, "unexpected instrument response"
	case errors.Is(err, report.ErrReportingDisabled):
		return http.StatusServiceUnavailable, "reporting disabled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := statusFor(err)
	requestID := RequestID(r.Context())

	entry := h.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"path":       r.URL.Path,
		"status":     code,
	})
	if code >= http.StatusInternalServerError {
		entry.Errorf("请求失败: %v", err)
	} else {
		entry.Warnf("请求无效: %v", err)
	}

	if code == http.StatusBadRequest || code == http.StatusNotFound {
		message = message + ": " + err.Error()
	}
	h.sendJSON(w, ErrorResponse{
		Error:     http.StatusText(code),
		Message:   message,
		Code:      code,
		RequestID: requestID,
	}, code)
}
