// Package inferer hosts the model inference engines behind the executor:
// torch, tensorflow and tensorrt wrappers over pluggable runtimes, plus the
// registry user-authored inferers install themselves into.
package inferer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/NetEase-Media/grps/internal/serving"
)

// ModelInferer runs one loaded model.
type ModelInferer interface {
	// Init records the model path, target device and extra args.
	Init(path, device string, args map[string]interface{}) error
	// Load materializes the model; called once at startup.
	Load() error
	// Infer runs one request. In no-converter mode inp is the raw wire
	// message and the inferer bridges it itself.
	Infer(ctx *serving.GrpsContext, inp interface{}) (interface{}, error)
	// BatchInfer runs one batched input produced by batch preprocess.
	BatchInfer(ctxs []*serving.GrpsContext, inp interface{}) (interface{}, error)
}

var (
	regMu    sync.RWMutex
	registry = map[string]func() ModelInferer{}
)

// Register installs an inferer factory under name. Each model entry using the
// name receives a fresh instance.
func Register(name string, factory func() ModelInferer) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = factory
}

// New builds a fresh inferer registered under name.
func New(name string) (ModelInferer, error) {
	regMu.RLock()
	factory, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inferer %s not found in registry, registered: %v", name, RegisteredNames())
	}
	return factory(), nil
}

// RegisteredNames returns the registered inferer names, sorted.
func RegisteredNames() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("torch", func() ModelInferer { return NewTorchInferer() })
	Register("tensorflow", func() ModelInferer { return NewTfInferer() })
	Register("tensorrt", func() ModelInferer { return NewTrtInferer() })
}
