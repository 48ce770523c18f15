package inferer

import (
	"fmt"
	"sync"
)

// Module is one loaded model instance inside a framework runtime. Forward
// accepts and returns whatever the matching tensor bridge produces: a single
// tensor, an ordered list, or a named bundle.
type Module interface {
	Forward(in interface{}) (interface{}, error)
}

// Runtime loads modules for one framework. The serving core ships no runtime
// of its own; deployments register one per framework they link (or a remote
// bridge) before the daemon starts.
type Runtime interface {
	LoadModule(path, device string, args map[string]interface{}) (Module, error)
}

var (
	rtMu     sync.RWMutex
	runtimes = map[string]Runtime{}
)

// RegisterRuntime installs the runtime for framework ("torch", "tensorflow",
// "tensorrt"), replacing any previous one.
func RegisterRuntime(framework string, rt Runtime) {
	rtMu.Lock()
	defer rtMu.Unlock()
	runtimes[framework] = rt
}

func runtimeFor(framework string) (Runtime, error) {
	rtMu.RLock()
	defer rtMu.RUnlock()
	rt, ok := runtimes[framework]
	if !ok {
		return nil, fmt.Errorf("no %s runtime registered, register one before starting the server", framework)
	}
	return rt, nil
}
