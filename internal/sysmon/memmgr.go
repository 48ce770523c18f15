package sysmon

import (
	"fmt"
	"sync"

	"github.com/NetEase-Media/grps/internal/logger"
)

// GpuMemManager caps a framework's device memory and frees cached blocks on
// demand. Implementations bridge to the runtime actually holding the memory.
type GpuMemManager interface {
	// SetMemLimit caps per-device memory in MiB. -1 means no limit.
	SetMemLimit(mib int) error
	// GpuMemGC releases cached device memory back to the driver.
	GpuMemGC() error
}

var (
	memMgrMu       sync.RWMutex
	memMgrBuilders = map[string]func(devices []int) GpuMemManager{
		"torch":      func(devices []int) GpuMemManager { return &loggingMemManager{kind: "torch", devices: devices} },
		"tensorflow": func(devices []int) GpuMemManager { return &loggingMemManager{kind: "tensorflow", devices: devices} },
	}
)

// RegisterGpuMemManager installs a builder for mem_manager_type name,
// replacing the default. Called from user init code before the daemon starts.
func RegisterGpuMemManager(name string, build func(devices []int) GpuMemManager) {
	memMgrMu.Lock()
	defer memMgrMu.Unlock()
	memMgrBuilders[name] = build
}

// NewGpuMemManager builds the manager for mem_manager_type name. "none"
// returns nil: no limit, no GC.
func NewGpuMemManager(name string, devices []int) (GpuMemManager, error) {
	if name == "none" {
		return nil, nil
	}
	memMgrMu.RLock()
	build, ok := memMgrBuilders[name]
	memMgrMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gpu memory manager type %s not supported", name)
	}
	return build(devices), nil
}

// loggingMemManager is the built-in manager for runtimes living out of
// process. It records the requested limit and GC points so operators can
// correlate them with the runtime's own logs.
type loggingMemManager struct {
	kind    string
	devices []int
	limit   int
}

func (m *loggingMemManager) SetMemLimit(mib int) error {
	m.limit = mib
	if mib == -1 {
		logger.Server().Infof("%s gpu mem manager: no memory limit, devices: %v", m.kind, m.devices)
		return nil
	}
	logger.Server().Infof("%s gpu mem manager: memory limit %d MiB, devices: %v", m.kind, mib, m.devices)
	return nil
}

func (m *loggingMemManager) GpuMemGC() error {
	logger.Server().Infof("%s gpu mem manager: gc triggered, devices: %v", m.kind, m.devices)
	return nil
}
