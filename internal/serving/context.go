// Package serving holds the per-request context shared by converters,
// inferers, the dynamic batcher and both transports: user data, the error
// slot, the streaming queues and the customized HTTP reply.
package serving

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/NetEase-Media/grps/internal/apis"
)

// streamQueueSize bounds each streaming output queue. A producer faster than
// the client drain blocks here instead of growing without limit.
const streamQueueSize = 128

// StreamChunk is one streaming response item. Msg carries a wire message;
// Raw carries customized-HTTP bytes. A nil *StreamChunk is the terminator.
type StreamChunk struct {
	Msg *apis.GrpsMessage
	Raw []byte
}

type streamQueue struct {
	mu      sync.Mutex
	running bool
	ch      chan *StreamChunk
}

func newStreamQueue() *streamQueue {
	return &streamQueue{ch: make(chan *StreamChunk, streamQueueSize)}
}

func (q *streamQueue) start() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()
}

// stop clears the running flag and enqueues the terminator. Idempotent so the
// executor's exit guarantee cannot double-terminate a user-stopped stream.
func (q *streamQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	q.ch <- nil
}

func (q *streamQueue) isRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *streamQueue) push(c *StreamChunk) {
	q.ch <- c
}

// pop blocks until the next chunk. ok is false once the terminator arrives.
func (q *streamQueue) pop() (*StreamChunk, bool) {
	c := <-q.ch
	return c, c != nil
}

// Postprocessor is the converter slice the context needs for
// StreamRespondWithPostprocess.
type Postprocessor interface {
	Postprocess(inp interface{}, ctx *GrpsContext) (*apis.GrpsMessage, error)
}

// GrpsContext carries one request through the predict path.
type GrpsContext struct {
	ID string

	mu       sync.Mutex
	userData map[string]interface{}
	hasErr   bool
	errMsg   string

	rpcCtx  context.Context // non-nil for RPC requests
	httpReq *http.Request   // non-nil for customized-body HTTP requests

	httpResponse *HTTPResponse

	httpStream *streamQueue
	rpcStream  *streamQueue

	batcherFuture *Future

	converter    Postprocessor
	disconnected bool
}

// New returns a context for a plain (non-customized) request.
func New() *GrpsContext {
	return &GrpsContext{
		ID:         uuid.NewString(),
		userData:   make(map[string]interface{}),
		httpStream: newStreamQueue(),
		rpcStream:  newStreamQueue(),
	}
}

// NewRPC returns a context bound to a gRPC request context for disconnect
// detection.
func NewRPC(rpcCtx context.Context) *GrpsContext {
	c := New()
	c.rpcCtx = rpcCtx
	return c
}

// NewHTTP returns a context carrying the raw HTTP request, for the
// customized-body path.
func NewHTTP(req *http.Request) *GrpsContext {
	c := New()
	c.httpReq = req
	return c
}

// ─── User data ──────────────────────────────────────────────────────────────

// PutUserData stores a value for handoff between preprocess and postprocess.
func (c *GrpsContext) PutUserData(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData[key] = value
}

// GetUserData returns the stored value, or nil when absent.
func (c *GrpsContext) GetUserData(key string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData[key]
}

// ─── Error slot ─────────────────────────────────────────────────────────────

// SetErrMsg records an error message; the predict path short-circuits and the
// message is returned to the client.
func (c *GrpsContext) SetErrMsg(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasErr = true
	c.errMsg = msg
}

// HasErr reports whether an error was recorded.
func (c *GrpsContext) HasErr() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasErr
}

// ErrMsg returns the recorded error message.
func (c *GrpsContext) ErrMsg() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// ─── Streaming ──────────────────────────────────────────────────────────────

// IfStreaming reports whether either streaming path is active.
func (c *GrpsContext) IfStreaming() bool {
	if c.rpcCtx != nil && c.rpcStream.isRunning() {
		return true
	}
	return c.httpStream.isRunning()
}

// StreamRespond enqueues one streaming message. Unless the user already
// stamped a FAILURE status, the message is stamped {200, OK, SUCCESS}. With
// final=true the active stream is terminated and any batcher future notified;
// nothing may be sent afterwards.
func (c *GrpsContext) StreamRespond(msg *apis.GrpsMessage, final bool) {
	if msg.Status == nil || msg.Status.Status != apis.StatusFailure {
		msg.SetStatus(http.StatusOK, "OK", apis.StatusSuccess)
	}

	if c.rpcCtx != nil && c.rpcStream.isRunning() {
		c.rpcStream.push(&StreamChunk{Msg: msg})
		if final {
			c.StopRPCStreamingGenerator()
		}
	} else if c.httpStream.isRunning() {
		c.httpStream.push(&StreamChunk{Msg: msg})
		if final {
			c.StopHTTPStreamingGenerator()
		}
	}

	if final {
		c.BatcherFutureNotify()
	}
}

// StreamRespondWithPostprocess runs the model's converter postprocess on an
// inferer output and streams the result.
func (c *GrpsContext) StreamRespondWithPostprocess(inp interface{}, final bool) {
	if c.converter == nil {
		c.SetErrMsg("stream_respond_with_postprocess should only be used with converter")
		return
	}
	msg, err := c.converter.Postprocess(inp, c)
	if err != nil {
		c.SetErrMsg(err.Error())
		return
	}
	c.StreamRespond(msg, final)
}

// CustomizedHTTPStreamRespond streams raw bytes on the customized HTTP path.
func (c *GrpsContext) CustomizedHTTPStreamRespond(raw []byte, final bool) {
	if c.httpReq == nil {
		c.SetErrMsg("customized_http_stream_respond should only be used with customized http")
		return
	}
	if c.httpStream.isRunning() {
		c.httpStream.push(&StreamChunk{Raw: raw})
	}
	if final {
		c.StopHTTPStreamingGenerator()
		c.BatcherFutureNotify()
	}
}

// StartHTTPStreamingGenerator opens the HTTP streaming queue.
func (c *GrpsContext) StartHTTPStreamingGenerator() { c.httpStream.start() }

// StopHTTPStreamingGenerator closes the HTTP streaming queue with a terminator.
func (c *GrpsContext) StopHTTPStreamingGenerator() { c.httpStream.stop() }

// StartRPCStreamingGenerator opens the RPC streaming queue.
func (c *GrpsContext) StartRPCStreamingGenerator() { c.rpcStream.start() }

// StopRPCStreamingGenerator closes the RPC streaming queue with a terminator.
func (c *GrpsContext) StopRPCStreamingGenerator() { c.rpcStream.stop() }

// PopHTTPStream blocks for the next HTTP streaming chunk; ok=false on the
// terminator.
func (c *GrpsContext) PopHTTPStream() (*StreamChunk, bool) { return c.httpStream.pop() }

// PopRPCStream blocks for the next RPC streaming chunk; ok=false on the
// terminator.
func (c *GrpsContext) PopRPCStream() (*StreamChunk, bool) { return c.rpcStream.pop() }

// ─── Customized HTTP ────────────────────────────────────────────────────────

// HTTPResponse is a complete user-authored reply.
type HTTPResponse struct {
	Body       []byte
	StatusCode int
	Headers    map[string]string
}

// HTTPRequest returns the raw request on the customized HTTP path, else nil.
func (c *GrpsContext) HTTPRequest() *http.Request { return c.httpReq }

// SetHTTPResponse installs a complete reply for the customized HTTP path.
// Useless on streaming requests; use CustomizedHTTPStreamRespond there.
func (c *GrpsContext) SetHTTPResponse(body []byte, statusCode int, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpResponse = &HTTPResponse{Body: body, StatusCode: statusCode, Headers: headers}
}

// SetHTTPTextResponse installs a 200 text/plain reply.
func (c *GrpsContext) SetHTTPTextResponse(text string) {
	c.SetHTTPResponse([]byte(text), http.StatusOK, map[string]string{"Content-Type": "text/plain"})
}

// SetHTTPBinaryResponse installs a 200 application/octet-stream reply.
func (c *GrpsContext) SetHTTPBinaryResponse(body []byte) {
	c.SetHTTPResponse(body, http.StatusOK, map[string]string{"Content-Type": "application/octet-stream"})
}

// HTTPResponse returns the installed reply, or nil.
func (c *GrpsContext) HTTPResponse() *HTTPResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpResponse
}

// ─── Batching ───────────────────────────────────────────────────────────────

// SetBatcherFuture installs the batch completion handle.
func (c *GrpsContext) SetBatcherFuture(f *Future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batcherFuture = f
}

// BatcherFuture returns the installed handle, or nil.
func (c *GrpsContext) BatcherFuture() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batcherFuture
}

// BatcherFutureNotify resolves the batch future if one is installed.
func (c *GrpsContext) BatcherFutureNotify() {
	if f := c.BatcherFuture(); f != nil {
		f.Notify()
	}
}

// ─── Other ──────────────────────────────────────────────────────────────────

// SetConverter binds the model's converter for postprocess streaming.
func (c *GrpsContext) SetConverter(p Postprocessor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converter = p
}

// Converter returns the bound converter, or nil.
func (c *GrpsContext) Converter() Postprocessor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.converter
}

// IfDisconnected peeks client liveness. Only the RPC transport can observe a
// disconnect mid-request.
func (c *GrpsContext) IfDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcCtx != nil {
		select {
		case <-c.rpcCtx.Done():
			c.disconnected = true
		default:
		}
	}
	return c.disconnected
}
