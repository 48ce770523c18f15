package server

import (
	"io"
	"net/http"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/logger"
)

// writeMessage renders one wire message as the indented JSON both surfaces
// reply with.
func writeMessage(w http.ResponseWriter, code int, msg *apis.GrpsMessage) {
	body, err := apis.MarshalIndent(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

func writeText(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(text))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *HTTPServer) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.opts.Latch.Online()
	logger.Server().Infof("[Online] from client: %s", r.RemoteAddr)
	writeMessage(w, http.StatusOK, apis.OKMessage())
}

func (s *HTTPServer) handleOffline(w http.ResponseWriter, r *http.Request) {
	s.opts.Latch.Offline()
	logger.Server().Infof("[Offline] from client: %s", r.RemoteAddr)
	writeMessage(w, http.StatusOK, apis.OKMessage())
}

func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	logger.Server().Infof("[CheckLiveness] from client: %s", r.RemoteAddr)
	writeMessage(w, http.StatusOK, apis.OKMessage())
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	logger.Server().Infof("[CheckReadiness] from client: %s", r.RemoteAddr)
	if s.opts.Latch.Ready() {
		writeMessage(w, http.StatusOK, apis.OKMessage())
		return
	}
	writeMessage(w, http.StatusServiceUnavailable,
		apis.FailureMessage(http.StatusServiceUnavailable, "Service Unavailable"))
}

// ─── Metadata ───────────────────────────────────────────────────────────────

func (s *HTTPServer) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	logger.Server().Infof("[ServerMetadata] from client: %s", r.RemoteAddr)
	msg := apis.OKMessage()
	msg.StrData = s.opts.Conf.MetadataText()
	writeMessage(w, http.StatusOK, msg)
}

func (s *HTTPServer) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	logger.Server().Infof("[ModelMetadata] from client: %s", r.RemoteAddr)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest, err.Error()))
		return
	}
	var req apis.GrpsMessage
	if err := apis.Unmarshal(body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest, "No model name."))
		return
	}
	if req.StrData == "" {
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest, "No model name."))
		return
	}
	meta, ok := s.opts.Conf.ModelMetadata(req.StrData)
	if !ok {
		writeMessage(w, http.StatusNotFound, apis.FailureMessage(http.StatusNotFound, "Model not found."))
		return
	}
	msg := apis.OKMessage()
	msg.StrData = meta
	writeMessage(w, http.StatusOK, msg)
}

// ─── Monitor ────────────────────────────────────────────────────────────────

func (s *HTTPServer) handleMonitorSeries(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	series, ok := s.opts.Monitor.Read(name)
	if !ok {
		writeText(w, http.StatusOK, "key not found")
		return
	}
	if series.Label == "cdf" {
		for i := range series.Data {
			series.Data[i][1] = float64(int64(series.Data[i][1]*100+0.5)) / 100
		}
	}
	body, err := apis.Marshal(series)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.Write(body)
}
