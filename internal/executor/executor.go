// Package executor wires configured models into runnable units (inferer,
// optional converter, optional batcher) and walks the sequential pipeline for
// each predict request.
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/batcher"
	"github.com/NetEase-Media/grps/internal/conf"
	"github.com/NetEase-Media/grps/internal/converter"
	"github.com/NetEase-Media/grps/internal/inferer"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/serving"
)

// model is one runnable unit.
type model struct {
	key     string
	inferer inferer.ModelInferer
	conv    converter.Converter // nil when converter_type is none
	batcher *batcher.DynamicBatcher
}

type node struct {
	name  string
	model *model
}

// Executor owns every loaded model and the pipeline.
type Executor struct {
	models map[string]*model
	dag    []*node
}

// New builds and loads every configured model, then the pipeline. Batched
// models each run on their own worker pool sized max_concurrency.
func New(cfg *conf.Conf, clk clock.Clock) (*Executor, error) {
	e := &Executor{models: make(map[string]*model)}
	logger.Server().Infof("init models")
	for i := range cfg.Inference.Models {
		mc := &cfg.Inference.Models[i]
		m, err := buildModel(mc, cfg.Server.MaxConcurrency, clk)
		if err != nil {
			return nil, fmt.Errorf("init model %s: %w", mc.Key(), err)
		}
		e.models[mc.Key()] = m
	}

	logger.Server().Infof("init dag")
	for i := range cfg.Inference.Dag.Nodes {
		nc := &cfg.Inference.Dag.Nodes[i]
		m, ok := e.models[nc.Model]
		if !ok {
			return nil, fmt.Errorf("dag node %s: model %s not found", nc.Name, nc.Model)
		}
		e.dag = append(e.dag, &node{name: nc.Name, model: m})
	}
	logger.Server().Infof("init dag successfully, type: %s, nodes: %d", cfg.Inference.Dag.Type, len(e.dag))
	return e, nil
}

func buildModel(mc *conf.ModelConf, maxConcurrency int, clk clock.Clock) (*model, error) {
	infererName := mc.InfererType
	if mc.InfererType == "customized" {
		infererName = mc.InfererName
	}
	inf, err := inferer.New(infererName)
	if err != nil {
		return nil, fmt.Errorf("inferer %s not found, but bound with %s model: %w", infererName, mc.Key(), err)
	}

	args := mc.InfererArgs
	if mc.Device == "original" && mc.InfererType == "torch" {
		// The module keeps its baked-in device bindings; inputs move to
		// inp_device before invocation.
		args = cloneArgs(args)
		args["inp_device"] = mc.InpDevice
	}
	if err := inf.Init(mc.InfererPath, mc.Device, args); err != nil {
		return nil, err
	}
	logger.Server().Infof("init model inferer %s successfully, path: %s, device: %s", infererName, mc.InfererPath, mc.Device)
	if err := inf.Load(); err != nil {
		return nil, fmt.Errorf("load model inferer %s failed: %w", infererName, err)
	}
	logger.Server().Infof("load model inferer %s successfully", infererName)

	var conv converter.Converter
	converterName := "none"
	switch mc.ConverterType {
	case "none", "":
	case "customized":
		converterName = mc.ConverterName
		conv, err = converter.New(converterName)
		if err != nil {
			return nil, fmt.Errorf("converter %s not found, but bound with %s model: %w", converterName, mc.Key(), err)
		}
	default:
		converterName = mc.ConverterType
		conv, err = converter.New(converterName)
		if err != nil {
			return nil, err
		}
	}
	if conv != nil {
		if err := conv.Init(mc.ConverterPath, mc.ConverterArgs); err != nil {
			return nil, err
		}
		logger.Server().Infof("init converter %s successfully, path: %s", converterName, mc.ConverterPath)
	}

	m := &model{key: mc.Key(), inferer: inf, conv: conv}
	if mc.Batching != nil && mc.Batching.Type == "dynamic" {
		m.batcher = batcher.New(mc.Key(), mc.Batching.MaxBatchSize, mc.Batching.BatchTimeoutUs, maxConcurrency, conv, inf, clk)
		m.batcher.Start()
		logger.Server().Infof("init and start batcher successfully, max batch size: %d, batch timeout: %d us",
			mc.Batching.MaxBatchSize, mc.Batching.BatchTimeoutUs)
	}
	logger.Server().Infof("init model %s successfully, inferer: %s, converter: %s", mc.Key(), infererName, converterName)
	return m, nil
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Infer runs one request through the pipeline, or through a single model when
// modelName (key "name-version") is set. On exit any RPC streaming generator
// still open is terminated so the RPC handler always sees a terminator.
func (e *Executor) Infer(inp *apis.GrpsMessage, ctx *serving.GrpsContext, modelName string) (out *apis.GrpsMessage, err error) {
	defer ctx.StopRPCStreamingGenerator()

	if modelName != "" {
		return e.InferWithModelName(inp, ctx, modelName)
	}
	if len(e.dag) == 0 {
		return nil, errors.New("dag not initialized")
	}
	data := inp
	for _, n := range e.dag {
		data, err = process(n.name, n.model, data, ctx)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// InferWithModelName selects one model by key, bypassing the pipeline.
func (e *Executor) InferWithModelName(inp *apis.GrpsMessage, ctx *serving.GrpsContext, modelName string) (*apis.GrpsMessage, error) {
	m, ok := e.models[modelName]
	if !ok {
		return nil, fmt.Errorf("model %s not found", modelName)
	}
	return process(modelName, m, inp, ctx)
}

// process runs one model with the three-step discipline, checking the
// context error slot after every step.
func process(name string, m *model, data *apis.GrpsMessage, ctx *serving.GrpsContext) (*apis.GrpsMessage, error) {
	ctx.SetConverter(m.conv)

	if m.batcher != nil {
		return m.batcher.Infer(data, ctx)
	}

	begin := time.Now()
	if m.conv == nil {
		rawOut, err := m.inferer.Infer(ctx, data)
		if err != nil {
			return nil, err
		}
		if ctx.HasErr() {
			return nil, errors.New(ctx.ErrMsg())
		}
		out, ok := rawOut.(*apis.GrpsMessage)
		if !ok {
			return nil, fmt.Errorf("model %s returned %T, want *apis.GrpsMessage in no-converter mode", name, rawOut)
		}
		logger.Server().Infof("Model(%s), model_infer time: %d us", name, time.Since(begin).Microseconds())
		return out, nil
	}

	preOut, err := m.conv.Preprocess(data, ctx)
	if err != nil {
		return nil, err
	}
	if ctx.HasErr() {
		return nil, errors.New(ctx.ErrMsg())
	}
	preDone := time.Now()

	inferOut, err := m.inferer.Infer(ctx, preOut)
	if err != nil {
		return nil, err
	}
	if ctx.HasErr() {
		return nil, errors.New(ctx.ErrMsg())
	}
	inferDone := time.Now()

	out, err := m.conv.Postprocess(inferOut, ctx)
	if err != nil {
		return nil, err
	}
	if ctx.HasErr() {
		return nil, errors.New(ctx.ErrMsg())
	}
	logger.Server().Infof("Model(%s), preprocess time: %d us, model_infer time: %d us, postprocess time: %d us",
		name, preDone.Sub(begin).Microseconds(), inferDone.Sub(preDone).Microseconds(), time.Since(inferDone).Microseconds())
	return out, nil
}

// ModelKeys returns the loaded model keys.
func (e *Executor) ModelKeys() []string {
	keys := make([]string, 0, len(e.models))
	for k := range e.models {
		keys = append(keys, k)
	}
	return keys
}

// Stop shuts down the batchers and any inferer holding worker goroutines.
func (e *Executor) Stop() {
	for _, m := range e.models {
		if m.batcher != nil {
			m.batcher.Stop()
		}
		if closer, ok := m.inferer.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
