package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"liuproxy_validator/internal/shared/logger"
	manager "liuproxy_validator/proxypool"
	"liuproxy_validator/proxypool/model"
)

const maxRequestBody = 32 << 20

// ScanController defines the interface that the web handler uses to interact with the manager.
// This decouples the web package from the validation engine.
type ScanController interface {
	Scan(ctx context.Context, uris []string) (string, <-chan model.Outcome)
	FetchSources(ctx context.Context, sources []string) ([]string, error)
	Sources() ([]string, error)
	SetSources(lines []string) (int, error)
	SaveSelected(items []manager.SaveItem) (int, error)
	Results() []model.Record
	Status() manager.Status
}

type Handler struct {
	controller ScanController
	hub        *Hub
}

func NewHandler(controller ScanController, hub *Hub) *Handler {
	return &Handler{controller: controller, hub: hub}
}

type scanRequest struct {
	Servers []string `json:"servers"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// HandleScan 处理 POST /scan：以 SSE 流的形式按完成顺序返回每条结果。
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	h.streamScan(w, r, req.Servers)
}

type scanSourcesRequest struct {
	Sources []string `json:"sources"`
}

// HandleScanSources 处理 POST /api/scan_sources：抓取订阅源后扫描全部链接。
// 请求体为空时使用保存的订阅源列表。
func (h *Handler) HandleScanSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanSourcesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, "Invalid JSON format", http.StatusBadRequest)
			return
		}
	}
	links, err := h.controller.FetchSources(r.Context(), req.Sources)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, messageResponse{Message: err.Error()})
		return
	}
	h.streamScan(w, r, links)
}

func (h *Handler) streamScan(w http.ResponseWriter, r *http.Request, uris []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// 客户端断开时 r.Context() 结束，未开始的任务不再调度
	scanID, outcomes := h.controller.Scan(r.Context(), uris)
	l := logger.WithComponent("Web/Handler").With().Str("scan_id", scanID).Logger()
	l.Info().Int("count", len(uris)).Str("remote_addr", r.RemoteAddr).Msg("SSE scan stream opened.")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Scan-Id", scanID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	broken := false
	for o := range outcomes {
		if broken {
			continue
		}
		line, err := json.Marshal(o.View())
		if err != nil {
			l.Error().Err(err).Msg("Failed to marshal outcome.")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
			l.Debug().Err(err).Msg("SSE client went away.")
			broken = true
			continue
		}
		flusher.Flush()
	}
	l.Info().Msg("SSE scan stream closed.")
}

type saveRequest struct {
	Servers []json.RawMessage `json:"servers"`
}

// HandleSave 处理 POST /save。servers 的元素可以是链接字符串，也可以是
// {"uri": ..., "country_code": ...} 对象。
func (h *Handler) HandleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req saveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	items := make([]manager.SaveItem, 0, len(req.Servers))
	for _, raw := range req.Servers {
		var uri string
		if err := json.Unmarshal(raw, &uri); err == nil {
			if uri = strings.TrimSpace(uri); uri != "" {
				items = append(items, manager.SaveItem{URI: uri})
			}
			continue
		}
		var it manager.SaveItem
		if err := json.Unmarshal(raw, &it); err != nil || strings.TrimSpace(it.URI) == "" {
			http.Error(w, "Invalid server entry", http.StatusBadRequest)
			return
		}
		it.URI = strings.TrimSpace(it.URI)
		items = append(items, it)
	}
	if len(items) == 0 {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "No servers to save."})
		return
	}

	n, err := h.controller.SaveSelected(items)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Error: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("%d servers saved.", n)})
}

type urlsPayload struct {
	URLs string `json:"urls"` // newline separated
}

// HandleURLs 处理 GET /api/urls
func (h *Handler) HandleURLs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	lines, err := h.controller.Sources()
	if err != nil {
		http.Error(w, "Failed to read url list: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, urlsPayload{URLs: strings.Join(lines, "\n")})
}

// HandleSaveURLs 处理 POST /api/save_urls
func (h *Handler) HandleSaveURLs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req urlsPayload
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	n, err := h.controller.SetSources(strings.Split(req.URLs, "\n"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Error: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("%d urls saved.", n)})
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		manager.Status
		WSClients int `json:"ws_clients"`
	}
	resp := StatusResponse{Status: h.controller.Status()}
	if h.hub != nil {
		resp.WSClients = h.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultView struct {
	URI          string            `json:"uri"`
	Status       string            `json:"status"`
	Protocol     model.Protocol    `json:"protocol"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Latency      int64             `json:"latency"`
	Kind         model.FailureKind `json:"kind,omitempty"`
	CountryCode  string            `json:"country_code,omitempty"`
	LastChecked  int64             `json:"last_checked"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
}

// HandleResults 处理 GET /api/results，可选 ?status=SUCCESS 过滤。
func (h *Handler) HandleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter := strings.ToUpper(r.URL.Query().Get("status"))
	records := h.controller.Results()
	views := make([]resultView, 0, len(records))
	for _, rec := range records {
		status := "FAILED"
		if rec.OK {
			status = "SUCCESS"
		}
		if filter != "" && filter != status {
			continue
		}
		v := resultView{
			URI:          rec.URI,
			Status:       status,
			Protocol:     rec.Protocol,
			Host:         rec.Host,
			Port:         rec.Port,
			Latency:      rec.LatencyMs,
			Kind:         rec.Kind,
			CountryCode:  rec.CountryCode,
			SuccessCount: rec.SuccessCount,
			FailureCount: rec.FailureCount,
		}
		if !rec.LastChecked.IsZero() {
			v.LastChecked = rec.LastChecked.Unix()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
