package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/NetEase-Media/grps/internal/apis"
)

type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	msgs []*apis.GrpsMessage
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(m *apis.GrpsMessage) error {
	f.msgs = append(f.msgs, m)
	return nil
}

func newTestService(t *testing.T) *grpsService {
	t.Helper()
	s := newTestServer(t, baseConf())
	return &grpsService{opts: s.opts}
}

func TestRPCPredictEcho(t *testing.T) {
	g := newTestService(t)

	out, err := g.Predict(context.Background(), &apis.GrpsMessage{StrData: "hello grps."})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out.StrData != "hello grps." {
		t.Fatalf("str_data = %q", out.StrData)
	}
	if out.Status == nil || out.Status.Status != apis.StatusSuccess {
		t.Fatalf("status = %+v", out.Status)
	}
}

func TestRPCPredictUnknownModel(t *testing.T) {
	g := newTestService(t)

	out, err := g.Predict(context.Background(), &apis.GrpsMessage{Model: "nope-1"})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out.Status == nil || out.Status.Status != apis.StatusFailure ||
		out.Status.Code != http.StatusInternalServerError {
		t.Fatalf("status = %+v", out.Status)
	}
}

func TestRPCPredictStreaming(t *testing.T) {
	g := newTestService(t)

	stream := &fakeStream{ctx: context.Background()}
	req := &apis.GrpsMessage{Model: "stream-1", StrData: "hello grps."}
	if err := g.PredictStreaming(req, stream); err != nil {
		t.Fatalf("PredictStreaming: %v", err)
	}
	if len(stream.msgs) != 2 {
		t.Fatalf("got %d frames, want 2", len(stream.msgs))
	}
	if stream.msgs[0].StrData != "stream data 1" || stream.msgs[1].StrData != "stream data 2" {
		t.Fatalf("frames = %q, %q", stream.msgs[0].StrData, stream.msgs[1].StrData)
	}
	for i, m := range stream.msgs {
		if m.Status == nil || m.Status.Status != apis.StatusSuccess {
			t.Fatalf("frame %d status = %+v", i, m.Status)
		}
	}
}

func TestRPCReadinessLatch(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	out, _ := g.CheckReadiness(ctx, &apis.GrpsMessage{})
	if out.Status.Code != http.StatusForbidden || out.Status.Status != apis.StatusFailure {
		t.Fatalf("fresh readiness = %+v", out.Status)
	}

	g.Online(ctx, &apis.GrpsMessage{})
	out, _ = g.CheckReadiness(ctx, &apis.GrpsMessage{})
	if out.Status.Status != apis.StatusSuccess {
		t.Fatalf("readiness after online = %+v", out.Status)
	}

	g.Offline(ctx, &apis.GrpsMessage{})
	out, _ = g.CheckReadiness(ctx, &apis.GrpsMessage{})
	if out.Status.Status != apis.StatusFailure {
		t.Fatalf("readiness after offline = %+v", out.Status)
	}
}

func TestRPCModelMetadata(t *testing.T) {
	g := newTestService(t)
	ctx := context.Background()

	out, _ := g.ModelMetadata(ctx, &apis.GrpsMessage{StrData: "echo"})
	if out.Status.Status != apis.StatusSuccess || out.StrData == "" {
		t.Fatalf("known model = %+v", out)
	}
	out, _ = g.ModelMetadata(ctx, &apis.GrpsMessage{StrData: "nope"})
	if out.Status.Code != http.StatusNotFound {
		t.Fatalf("unknown model = %+v", out.Status)
	}
	out, _ = g.ModelMetadata(ctx, &apis.GrpsMessage{})
	if out.Status.Code != http.StatusBadRequest {
		t.Fatalf("missing name = %+v", out.Status)
	}
}

func TestRPCPredictPanicInUserCode(t *testing.T) {
	g := newTestService(t)

	type reply struct {
		out *apis.GrpsMessage
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := g.Predict(context.Background(), &apis.GrpsMessage{Model: "panic-1", StrData: "boom"})
		done <- reply{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Predict: %v", r.err)
		}
		if r.out.Status == nil || r.out.Status.Status != apis.StatusFailure ||
			r.out.Status.Code != http.StatusInternalServerError {
			t.Fatalf("status = %+v", r.out.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("panicking predict never answered the caller")
	}
}
