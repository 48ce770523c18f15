// Package converter bridges the neutral wire messages and framework-native
// tensors, in both single-request and batched forms. Three built-in bridges
// (torch, tensorflow, tensorrt) differ only in the dtypes they accept;
// user-authored converters register under their own names.
package converter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/serving"
)

// Converter maps between wire messages and inferer inputs/outputs.
type Converter interface {
	// Init prepares the converter with its configured path and args.
	Init(path string, args map[string]interface{}) error
	// Preprocess converts one request into the inferer input.
	Preprocess(inp *apis.GrpsMessage, ctx *serving.GrpsContext) (interface{}, error)
	// Postprocess converts one inferer output into a response.
	Postprocess(inp interface{}, ctx *serving.GrpsContext) (*apis.GrpsMessage, error)
	// BatchPreprocess converts a batch of requests into one batched inferer
	// input, recording each request's batch size on its context.
	BatchPreprocess(inps []*apis.GrpsMessage, ctxs []*serving.GrpsContext) (interface{}, error)
	// BatchPostprocess splits one batched inferer output into per-context
	// responses, in input order.
	BatchPostprocess(inp interface{}, ctxs []*serving.GrpsContext) ([]*apis.GrpsMessage, error)
}

// BatchSizeKey is the user-data key batch preprocess records each request's
// leading dimension under.
const BatchSizeKey = "batch_size"

var (
	regMu    sync.RWMutex
	registry = map[string]func() Converter{}
)

// Register installs a converter factory under name. Each model entry using
// the name receives a fresh instance.
func Register(name string, factory func() Converter) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = factory
}

// New builds a fresh converter registered under name.
func New(name string) (Converter, error) {
	regMu.RLock()
	factory, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		names := RegisteredNames()
		return nil, fmt.Errorf("converter %s not found in registry, registered: %v", name, names)
	}
	return factory(), nil
}

// RegisteredNames returns the registered converter names, sorted.
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
	Register("torch", func() Converter { return NewTorchConverter() })
	Register("tensorflow", func() Converter { return NewTfConverter() })
	Register("tensorrt", func() Converter { return NewTrtConverter() })
}
