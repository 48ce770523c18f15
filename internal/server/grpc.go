package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/infra/metrics"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/monitor"
	"github.com/NetEase-Media/grps/internal/serving"
)

// maxRPCMessageBytes is the frame cap both directions (1 GiB): tensors can be
// large and the transport should not be the limit.
const maxRPCMessageBytes = 1 << 30

// RPCServer is the gRPC surface, active when the framework is http+grpc.
type RPCServer struct {
	opts Options
	srv  *grpc.Server
}

// NewRPCServer builds the RPC surface around the shared serving dependencies.
func NewRPCServer(opts Options) *RPCServer {
	return &RPCServer{opts: opts}
}

// Start binds the RPC port and serves until Stop.
func (s *RPCServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Conf.Server.Interface.Host, s.opts.Conf.RPCPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind grpc %s: %w", addr, err)
	}
	s.srv = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxRPCMessageBytes),
		grpc.MaxSendMsgSize(maxRPCMessageBytes),
		grpc.MaxConcurrentStreams(uint32(s.opts.Conf.Server.MaxConnections)),
	)
	apis.RegisterGrpsServiceServer(s.srv, &grpsService{opts: s.opts})
	logger.Server().Infof("Start grps grpc service, version: %s, port: %d, max_connections: %d",
		s.opts.Version, s.opts.Conf.RPCPort, s.opts.Conf.Server.MaxConnections)
	return s.srv.Serve(ln)
}

// Stop drains in-flight calls and closes the listener.
func (s *RPCServer) Stop() {
	if s.srv != nil {
		s.srv.GracefulStop()
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}

// grpsService implements apis.GrpsServiceServer.
type grpsService struct {
	opts Options
}

func (g *grpsService) recordLatency(begin time.Time, client, reqID string) {
	latencyMs := float64(time.Since(begin)) / float64(time.Millisecond)
	g.opts.Monitor.Avg(monitor.MetricLatencyAvg, latencyMs)
	g.opts.Monitor.Max(monitor.MetricLatencyMax, latencyMs)
	g.opts.Monitor.CDF(monitor.MetricLatencyCDF, latencyMs)
	metrics.RequestLatency.WithLabelValues("grpc").Observe(time.Since(begin).Seconds())
	logger.Server().Infof("[Predict] from client: %s, request id: %s, latency: %.2f ms", client, reqID, latencyMs)
}

func (g *grpsService) recordFailure(msg string) {
	logger.Server().Errorf("Predict error: %s", msg)
	if serving.OomLike(msg) {
		g.opts.Monitor.Inc(monitor.MetricGpuOOM, 1)
		metrics.GpuOOMTotal.Inc()
	}
	g.opts.Monitor.Avg(monitor.MetricFailRate, 100)
	metrics.RequestFailures.WithLabelValues("grpc").Inc()
}

func (g *grpsService) Predict(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	g.opts.Monitor.Inc(monitor.MetricQPS, 1)
	metrics.RequestsTotal.WithLabelValues("grpc").Inc()
	begin := time.Now()
	gctx := serving.NewRPC(ctx)
	defer g.recordLatency(begin, peerAddr(ctx), gctx.ID)

	type result struct {
		out *apis.GrpsMessage
		err error
	}
	resCh := make(chan result, 1)
	if !g.opts.Workers.Submit(func() {
		// A panic in user code must still answer the result channel.
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := g.opts.Exec.Infer(req, gctx, req.Model)
		resCh <- result{out: out, err: err}
	}) {
		return apis.FailureMessage(http.StatusServiceUnavailable, "Server is shutting down."), nil
	}
	res := <-resCh

	errMsg := ""
	if res.err != nil {
		errMsg = res.err.Error()
	} else if gctx.HasErr() {
		errMsg = gctx.ErrMsg()
	}
	if errMsg != "" {
		g.recordFailure(errMsg)
		return apis.FailureMessage(http.StatusInternalServerError, errMsg), nil
	}

	g.opts.Monitor.Avg(monitor.MetricFailRate, 0)
	res.out.SetStatus(http.StatusOK, "OK", apis.StatusSuccess)
	return res.out, nil
}

func (g *grpsService) PredictStreaming(req *apis.GrpsMessage, stream apis.GrpsService_PredictStreamingServer) error {
	g.opts.Monitor.Inc(monitor.MetricQPS, 1)
	metrics.RequestsTotal.WithLabelValues("grpc").Inc()
	begin := time.Now()
	gctx := serving.NewRPC(stream.Context())
	defer g.recordLatency(begin, peerAddr(stream.Context()), gctx.ID)

	gctx.StartRPCStreamingGenerator()

	errCh := make(chan error, 1)
	if !g.opts.Workers.Submit(func() {
		// Infer's exit guarantee already terminated the stream during the
		// unwind; the drain loop below still needs the error.
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		_, err := g.opts.Exec.Infer(req, gctx, req.Model)
		errCh <- err
	}) {
		gctx.StopRPCStreamingGenerator()
		return stream.Send(apis.FailureMessage(http.StatusServiceUnavailable, "Server is shutting down."))
	}

	for {
		chunk, ok := gctx.PopRPCStream()
		if !ok {
			break
		}
		if chunk.Msg == nil {
			continue
		}
		if err := stream.Send(chunk.Msg); err != nil {
			logger.Server().Errorf("PredictStreaming send failed: %v", err)
			break
		}
	}
	err := <-errCh

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if gctx.HasErr() {
		errMsg = gctx.ErrMsg()
	}
	if errMsg != "" {
		g.recordFailure(errMsg)
		return stream.Send(apis.FailureMessage(http.StatusInternalServerError, errMsg))
	}
	g.opts.Monitor.Avg(monitor.MetricFailRate, 0)
	return nil
}

func (g *grpsService) Online(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	g.opts.Latch.Online()
	logger.Server().Infof("[Online] from client: %s", peerAddr(ctx))
	return apis.OKMessage(), nil
}

func (g *grpsService) Offline(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	g.opts.Latch.Offline()
	logger.Server().Infof("[Offline] from client: %s", peerAddr(ctx))
	return apis.OKMessage(), nil
}

func (g *grpsService) CheckLiveness(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	logger.Server().Infof("[CheckLiveness] from client: %s", peerAddr(ctx))
	return apis.OKMessage(), nil
}

func (g *grpsService) CheckReadiness(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	logger.Server().Infof("[CheckReadiness] from client: %s", peerAddr(ctx))
	if g.opts.Latch.Ready() {
		return apis.OKMessage(), nil
	}
	return apis.FailureMessage(http.StatusForbidden, "Service Unavailable"), nil
}

func (g *grpsService) ServerMetadata(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	logger.Server().Infof("[ServerMetadata] from client: %s", peerAddr(ctx))
	msg := apis.OKMessage()
	msg.StrData = g.opts.Conf.MetadataText()
	return msg, nil
}

func (g *grpsService) ModelMetadata(ctx context.Context, req *apis.GrpsMessage) (*apis.GrpsMessage, error) {
	logger.Server().Infof("[ModelMetadata] from client: %s", peerAddr(ctx))
	if req.StrData == "" {
		return apis.FailureMessage(http.StatusBadRequest, "No model name."), nil
	}
	meta, ok := g.opts.Conf.ModelMetadata(req.StrData)
	if !ok {
		return apis.FailureMessage(http.StatusNotFound, "Model not found."), nil
	}
	msg := apis.OKMessage()
	msg.StrData = meta
	return msg, nil
}
