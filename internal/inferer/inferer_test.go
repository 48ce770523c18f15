package inferer

import (
	"sync"
	"testing"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/serving"
	"github.com/NetEase-Media/grps/internal/tensor"
)

// identityRuntime loads modules that echo their input and record which module
// instance served each call.
type identityRuntime struct {
	mu     sync.Mutex
	loaded int
	calls  map[int]int
}

type identityModule struct {
	rt *identityRuntime
	id int
}

func (r *identityRuntime) LoadModule(path, device string, args map[string]interface{}) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[int]int{}
	}
	m := &identityModule{rt: r, id: r.loaded}
	r.loaded++
	return m, nil
}

func (m *identityModule) Forward(in interface{}) (interface{}, error) {
	m.rt.mu.Lock()
	m.rt.calls[m.id]++
	m.rt.mu.Unlock()
	return in, nil
}

func floatMsg(vals ...float32) *apis.GrpsMessage {
	return &apis.GrpsMessage{Gtensors: &apis.GenericTensorList{Tensors: []*apis.GenericTensor{
		{Name: "x", Dtype: apis.DtFloat32, Shape: []int32{1, int32(len(vals))}, FlatFloat32: vals},
	}}}
}

func TestTorchInfererNoConverterWrap(t *testing.T) {
	RegisterRuntime("torch", &identityRuntime{})
	inf := NewTorchInferer()
	if err := inf.Init("model.pt", "cpu", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := inf.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	out, err := inf.Infer(serving.New(), floatMsg(1, 2, 3))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	msg, ok := out.(*apis.GrpsMessage)
	if !ok {
		t.Fatalf("no-converter mode returned %T, want *apis.GrpsMessage", out)
	}
	got := msg.Gtensors.Tensors[0]
	if got.Name != "x" || len(got.FlatFloat32) != 3 {
		t.Fatalf("round trip mangled tensor: %+v", got)
	}
}

func TestTorchInfererPassesTensorsThrough(t *testing.T) {
	RegisterRuntime("torch", &identityRuntime{})
	inf := NewTorchInferer()
	if err := inf.Init("model.pt", "cuda:0", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := inf.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	in := &tensor.Tensors{List: []*tensor.Tensor{{Dtype: apis.DtFloat32, Shape: []int64{1}, F32: []float32{9}}}}
	out, err := inf.Infer(serving.New(), in)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out != interface{}(in) {
		t.Fatalf("pre-bridged input not forwarded as-is")
	}
}

func TestLoadWithoutRuntimeFails(t *testing.T) {
	inf := NewTfInferer()
	if err := inf.Init("saved_model", "cpu", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rtMu.Lock()
	delete(runtimes, "tensorflow")
	rtMu.Unlock()
	if err := inf.Load(); err == nil {
		t.Fatal("Load succeeded without a registered runtime")
	}
}

func TestTrtRoundRobinAcrossStreams(t *testing.T) {
	rt := &identityRuntime{}
	RegisterRuntime("tensorrt", rt)
	inf := NewTrtInferer().(*trtInferer)
	if err := inf.Init("engine.plan", "cuda:0", map[string]interface{}{"streams": 3}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := inf.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer inf.Close()

	in := &tensor.Tensors{List: []*tensor.Tensor{{Dtype: apis.DtFloat32, Shape: []int64{1}, F32: []float32{1}}}}
	for i := 0; i < 9; i++ {
		if _, err := inf.Infer(serving.New(), in); err != nil {
			t.Fatalf("Infer %d: %v", i, err)
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.loaded != 3 {
		t.Fatalf("loaded %d engines, want 3", rt.loaded)
	}
	for id, n := range rt.calls {
		if n != 3 {
			t.Errorf("worker %d served %d jobs, want 3", id, n)
		}
	}
}

func TestTrtInitRejectsBadStreams(t *testing.T) {
	inf := NewTrtInferer()
	if err := inf.Init("engine.plan", "cuda:0", map[string]interface{}{"streams": 0}); err == nil {
		t.Fatal("streams=0 accepted")
	}
	if err := inf.Init("engine.plan", "cuda:0", map[string]interface{}{"streams": "four"}); err == nil {
		t.Fatal("non-int streams accepted")
	}
}

func TestRegistryReturnsFreshInstances(t *testing.T) {
	name := "test-fresh"
	Register(name, func() ModelInferer { return NewTorchInferer() })
	a, _ := New(name)
	b, _ := New(name)
	if a == b {
		t.Fatal("registry returned shared instance")
	}
}
