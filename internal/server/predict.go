package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/infra/metrics"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/monitor"
	"github.com/NetEase-Media/grps/internal/serving"
)

// httpReply is the terminal response a predict task hands back to the
// transport goroutine.
type httpReply struct {
	code        int
	contentType string
	headers     map[string]string
	body        []byte
}

func messageReply(code int, msg *apis.GrpsMessage) httpReply {
	body, _ := apis.MarshalIndent(msg)
	return httpReply{code: code, contentType: "application/json;charset=utf-8", body: body}
}

func (rep httpReply) write(w http.ResponseWriter) {
	for k, v := range rep.headers {
		w.Header().Set(k, v)
	}
	if rep.contentType != "" {
		w.Header().Set("Content-Type", rep.contentType)
	}
	w.WriteHeader(rep.code)
	w.Write(rep.body)
}

// ifStreaming applies the configured streaming control to one request.
func (s *HTTPServer) ifStreaming(r *http.Request, body []byte) bool {
	switch s.streamMode {
	case streamingCtrlQuery:
		return strings.EqualFold(r.URL.Query().Get(s.streamKey), "true")
	case streamingCtrlHeader:
		return strings.EqualFold(r.Header.Get(s.streamKey), "true")
	case streamingCtrlBody:
		var fields map[string]interface{}
		if err := apis.Unmarshal(body, &fields); err != nil {
			return false
		}
		v, ok := fields[s.streamKey].(bool)
		return ok && v
	}
	return false
}

// handlePredict is the main predict endpoint and the non-customized-body
// alias handler.
func (s *HTTPServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest, "No content type in headers."))
		return
	}
	isJSON := strings.HasPrefix(contentType, "application/json")
	isOctet := strings.HasPrefix(contentType, "application/octet-stream")
	if !isJSON && !isOctet {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest, "Unsupported content type."))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest, err.Error()))
		return
	}

	isStreaming := s.ifStreaming(r, body)
	retNdarray := strings.EqualFold(r.URL.Query().Get("return-ndarray"), "true")
	if isStreaming && retNdarray {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
		writeMessage(w, http.StatusBadRequest, apis.FailureMessage(http.StatusBadRequest,
			"Bad Request, err: Streaming and ret ndarray are not supported at the same time."))
		return
	}

	ctx := serving.New()
	if isStreaming {
		ctx.StartHTTPStreamingGenerator()
	}
	remote := r.RemoteAddr
	queryModel := r.URL.Query().Get("model")

	if isStreaming {
		if !s.opts.Workers.Submit(func() {
			s.predictTask(isJSON, body, remote, queryModel, true, false, ctx)
		}) {
			ctx.StopHTTPStreamingGenerator()
			writeMessage(w, http.StatusServiceUnavailable,
				apis.FailureMessage(http.StatusServiceUnavailable, "Server is shutting down."))
			return
		}
		s.streamOut(w, ctx)
		return
	}

	replyCh := make(chan httpReply, 1)
	if !s.opts.Workers.Submit(func() {
		replyCh <- s.predictTask(isJSON, body, remote, queryModel, false, retNdarray, ctx)
	}) {
		writeMessage(w, http.StatusServiceUnavailable,
			apis.FailureMessage(http.StatusServiceUnavailable, "Server is shutting down."))
		return
	}
	(<-replyCh).write(w)
}

// predictTask wraps one predict with latency accounting and the streaming
// close guarantee. It runs on the predict worker pool. A panic in user
// converter or inferer code becomes the error reply; the transport goroutine
// waiting on the reply channel must always hear back.
func (s *HTTPServer) predictTask(isJSON bool, body []byte, remote, queryModel string,
	isStreaming, retNdarray bool, ctx *serving.GrpsContext) (rep httpReply) {
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			rep = s.predictFail(fmt.Sprintf("panic: %v", r), isStreaming, ctx, http.StatusInternalServerError)
		}
		latencyMs := float64(time.Since(begin)) / float64(time.Millisecond)
		s.opts.Monitor.Avg(monitor.MetricLatencyAvg, latencyMs)
		s.opts.Monitor.Max(monitor.MetricLatencyMax, latencyMs)
		s.opts.Monitor.CDF(monitor.MetricLatencyCDF, latencyMs)
		metrics.RequestLatency.WithLabelValues("http").Observe(time.Since(begin).Seconds())
		logger.Server().Infof("[Predict] from client: %s, request id: %s, latency: %.2f ms", remote, ctx.ID, latencyMs)
		if isStreaming {
			ctx.StopHTTPStreamingGenerator()
		}
	}()
	return s.predictImpl(isJSON, body, queryModel, isStreaming, retNdarray, ctx)
}

func (s *HTTPServer) predictImpl(isJSON bool, body []byte, queryModel string,
	isStreaming, retNdarray bool, ctx *serving.GrpsContext) httpReply {
	if len(body) == 0 {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
		res := apis.FailureMessage(http.StatusBadRequest, "The http body is empty.")
		if isStreaming {
			ctx.StreamRespond(res, false)
			return httpReply{}
		}
		return messageReply(http.StatusBadRequest, res)
	}

	s.opts.Monitor.Inc(monitor.MetricQPS, 1)
	metrics.RequestsTotal.WithLabelValues("http").Inc()

	modelName := queryModel
	var inferIn *apis.GrpsMessage
	if isJSON {
		var err error
		inferIn, modelName, err = parseJSONPredict(body, queryModel)
		if err != nil {
			return s.predictFail(err.Error(), isStreaming, ctx, http.StatusBadRequest)
		}
	} else {
		inferIn = &apis.GrpsMessage{BinData: body}
	}

	inferOut, err := s.opts.Exec.Infer(inferIn, ctx, modelName)
	if err != nil {
		return s.predictFail(err.Error(), isStreaming, ctx, http.StatusInternalServerError)
	}
	if ctx.HasErr() {
		return s.predictFail(ctx.ErrMsg(), isStreaming, ctx, http.StatusInternalServerError)
	}

	if isStreaming {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 0)
		return httpReply{}
	}

	if len(inferOut.BinData) > 0 {
		s.opts.Monitor.Avg(monitor.MetricFailRate, 0)
		return httpReply{code: http.StatusOK, contentType: "application/octet-stream", body: inferOut.BinData}
	}

	inferOut.SetStatus(http.StatusOK, "OK", apis.StatusSuccess)
	if retNdarray {
		rep, err := ndarrayReply(inferOut)
		if err != nil {
			return s.predictFail(err.Error(), false, ctx, http.StatusInternalServerError)
		}
		s.opts.Monitor.Avg(monitor.MetricFailRate, 0)
		return rep
	}
	s.opts.Monitor.Avg(monitor.MetricFailRate, 0)
	return messageReply(http.StatusOK, inferOut)
}

// predictFail records one failed predict and shapes the terminal response, as
// one streamed frame or as the unary error body.
func (s *HTTPServer) predictFail(msg string, isStreaming bool, ctx *serving.GrpsContext, code int) httpReply {
	logger.Server().Errorf("Predict error: %s", msg)
	if serving.OomLike(msg) {
		s.opts.Monitor.Inc(monitor.MetricGpuOOM, 1)
		metrics.GpuOOMTotal.Inc()
	}
	s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
	metrics.RequestFailures.WithLabelValues("http").Inc()
	res := apis.FailureMessage(int32(code), msg)
	if isStreaming {
		ctx.StreamRespond(res, false)
		return httpReply{}
	}
	return messageReply(code, res)
}

// parseJSONPredict maps a JSON body to a wire message: the three native
// fields 1:1, the ndarray sugar as a single float32 tensor, and bin_data
// rejected. A top-level model field overrides the query parameter.
func parseJSONPredict(body []byte, queryModel string) (*apis.GrpsMessage, string, error) {
	var fields map[string]interface{}
	if err := apis.Unmarshal(body, &fields); err != nil {
		return nil, "", err
	}

	modelName := queryModel
	if m, ok := fields["model"].(string); ok && m != "" {
		modelName = m
	}

	var inferIn *apis.GrpsMessage
	switch {
	case fields["str_data"] != nil || fields["gtensors"] != nil || fields["gmap"] != nil:
		inferIn = &apis.GrpsMessage{}
		if err := apis.Unmarshal(body, inferIn); err != nil {
			return nil, "", err
		}
	case fields["ndarray"] != nil:
		gt, err := ndarrayToTensor(fields["ndarray"])
		if err != nil {
			return nil, "", err
		}
		inferIn = &apis.GrpsMessage{Gtensors: &apis.GenericTensorList{Tensors: []*apis.GenericTensor{gt}}}
	case fields["bin_data"] != nil:
		return nil, "", errBinDataInJSON
	default:
		return nil, "", errNoLegalField
	}
	return inferIn, modelName, nil
}

// streamOut is the transport-side streaming reader: it opens the response
// with the configured content type and relays chunks until the terminator.
func (s *HTTPServer) streamOut(w http.ResponseWriter, ctx *serving.GrpsContext) {
	w.Header().Set("Content-Type", s.streamContentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for {
		chunk, ok := ctx.PopHTTPStream()
		if !ok {
			return
		}
		var frame []byte
		switch {
		case chunk.Msg != nil && len(chunk.Msg.BinData) > 0:
			frame = chunk.Msg.BinData
		case chunk.Msg != nil:
			frame, _ = apis.MarshalIndent(chunk.Msg)
		default:
			frame = chunk.Raw
		}
		w.Write(frame)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ─── Customized-body predict ────────────────────────────────────────────────

// handleCustomPredict serves the user-configured path with a free-form body:
// user code reads the raw request from the context and installs the reply.
func (s *HTTPServer) handleCustomPredict(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if s.streamMode == streamingCtrlBody {
		body, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	isStreaming := s.ifStreaming(r, body)

	ctx := serving.NewHTTP(r)
	if isStreaming {
		ctx.StartHTTPStreamingGenerator()
	}
	remote := r.RemoteAddr
	queryModel := r.URL.Query().Get("model")

	if isStreaming {
		if !s.opts.Workers.Submit(func() {
			s.customPredictTask(remote, queryModel, true, ctx)
		}) {
			ctx.StopHTTPStreamingGenerator()
			writeText(w, http.StatusServiceUnavailable, "Server is shutting down.")
			return
		}
		s.streamOut(w, ctx)
		return
	}

	replyCh := make(chan httpReply, 1)
	if !s.opts.Workers.Submit(func() {
		replyCh <- s.customPredictTask(remote, queryModel, false, ctx)
	}) {
		writeText(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}
	(<-replyCh).write(w)
}

func (s *HTTPServer) customPredictTask(remote, queryModel string, isStreaming bool, ctx *serving.GrpsContext) (rep httpReply) {
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			rep = s.customPredictFail(fmt.Sprintf("panic: %v", r), isStreaming, ctx)
		}
		latencyMs := float64(time.Since(begin)) / float64(time.Millisecond)
		s.opts.Monitor.Avg(monitor.MetricLatencyAvg, latencyMs)
		s.opts.Monitor.Max(monitor.MetricLatencyMax, latencyMs)
		s.opts.Monitor.CDF(monitor.MetricLatencyCDF, latencyMs)
		metrics.RequestLatency.WithLabelValues("http").Observe(time.Since(begin).Seconds())
		logger.Server().Infof("[Predict] from client: %s, request id: %s, latency: %.2f ms", remote, ctx.ID, latencyMs)
		if isStreaming {
			ctx.StopHTTPStreamingGenerator()
		}
	}()
	return s.customPredictImpl(queryModel, isStreaming, ctx)
}

// customPredictFail records one failed customized predict and shapes the
// free-form error reply.
func (s *HTTPServer) customPredictFail(msg string, isStreaming bool, ctx *serving.GrpsContext) httpReply {
	logger.Server().Errorf("Predict error: %s", msg)
	if serving.OomLike(msg) {
		s.opts.Monitor.Inc(monitor.MetricGpuOOM, 1)
		metrics.GpuOOMTotal.Inc()
	}
	s.opts.Monitor.Avg(monitor.MetricFailRate, 100)
	metrics.RequestFailures.WithLabelValues("http").Inc()
	if isStreaming {
		ctx.CustomizedHTTPStreamRespond([]byte(msg), false)
		return httpReply{}
	}
	return httpReply{code: http.StatusInternalServerError,
		contentType: "text/plain;charset=utf-8", body: []byte(msg)}
}

func (s *HTTPServer) customPredictImpl(queryModel string, isStreaming bool, ctx *serving.GrpsContext) httpReply {
	s.opts.Monitor.Inc(monitor.MetricQPS, 1)
	metrics.RequestsTotal.WithLabelValues("http").Inc()

	_, err := s.opts.Exec.Infer(&apis.GrpsMessage{}, ctx, queryModel)
	if err == nil && ctx.HasErr() {
		err = errContext(ctx.ErrMsg())
	}
	if err != nil {
		return s.customPredictFail(err.Error(), isStreaming, ctx)
	}

	s.opts.Monitor.Avg(monitor.MetricFailRate, 0)
	if isStreaming {
		return httpReply{}
	}
	if hr := ctx.HTTPResponse(); hr != nil {
		return httpReply{code: hr.StatusCode, headers: hr.Headers, body: hr.Body}
	}
	return httpReply{code: http.StatusOK, contentType: "text/plain"}
}
