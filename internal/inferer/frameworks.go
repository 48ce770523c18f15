package inferer

import (
	"fmt"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/converter"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/serving"
)

// frameworkInferer is the shared body of the torch and tensorflow inferers:
// load a module from the registered runtime and forward inputs through it.
// When handed a raw wire message (no-converter mode), it bridges the message
// through its bundled converter and recurses.
type frameworkInferer struct {
	framework string
	bridge    converter.Converter

	path   string
	device string
	args   map[string]interface{}

	module Module
}

// NewTorchInferer runs torch script-modules. Device "original" preserves the
// bindings baked into the module; inputs are then moved to inp_device, which
// Init receives under args["inp_device"].
func NewTorchInferer() ModelInferer {
	return &frameworkInferer{framework: "torch", bridge: converter.NewTorchConverter()}
}

// NewTfInferer runs tensorflow SavedModels inside a device scope.
func NewTfInferer() ModelInferer {
	return &frameworkInferer{framework: "tensorflow", bridge: converter.NewTfConverter()}
}

func (f *frameworkInferer) Init(path, device string, args map[string]interface{}) error {
	if path == "" {
		return fmt.Errorf("%s inferer init failed, model path is empty", f.framework)
	}
	f.path = path
	f.device = device
	f.args = args
	return nil
}

func (f *frameworkInferer) Load() error {
	rt, err := runtimeFor(f.framework)
	if err != nil {
		return err
	}
	f.module, err = rt.LoadModule(f.path, f.device, f.args)
	if err != nil {
		return fmt.Errorf("load %s model %s on %s: %w", f.framework, f.path, f.device, err)
	}
	logger.Server().Infof("loaded %s model %s, device: %s", f.framework, f.path, f.device)
	return nil
}

func (f *frameworkInferer) Infer(ctx *serving.GrpsContext, inp interface{}) (interface{}, error) {
	// No-converter mode: bridge the wire message ourselves.
	if msg, ok := inp.(*apis.GrpsMessage); ok {
		pre, err := f.bridge.Preprocess(msg, ctx)
		if err != nil {
			return nil, err
		}
		out, err := f.Infer(ctx, pre)
		if err != nil {
			return nil, err
		}
		return f.bridge.Postprocess(out, ctx)
	}
	return f.module.Forward(inp)
}

func (f *frameworkInferer) BatchInfer(ctxs []*serving.GrpsContext, inp interface{}) (interface{}, error) {
	if msgs, ok := inp.([]*apis.GrpsMessage); ok {
		pre, err := f.bridge.BatchPreprocess(msgs, ctxs)
		if err != nil {
			return nil, err
		}
		out, err := f.BatchInfer(ctxs, pre)
		if err != nil {
			return nil, err
		}
		return f.bridge.BatchPostprocess(out, ctxs)
	}
	return f.module.Forward(inp)
}
