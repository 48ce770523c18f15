package converter

import (
	"fmt"

	"github.com/NetEase-Media/grps/internal/apis"
	"github.com/NetEase-Media/grps/internal/serving"
	"github.com/NetEase-Media/grps/internal/tensor"
)

// bridge is the shared body of the three framework converters. kind names the
// framework in error texts; allowed is its dtype filter.
type bridge struct {
	kind    string
	allowed func(apis.DataType) bool
}

func (b *bridge) Init(path string, args map[string]interface{}) error { return nil }

func (b *bridge) convert(gt *apis.GenericTensor) (*tensor.Tensor, error) {
	if !b.allowed(gt.Dtype) {
		return nil, fmt.Errorf("%s tensor converter failed, unsupported data type: %v", b.kind, gt.Dtype)
	}
	t, err := tensor.FromGeneric(gt)
	if err != nil {
		return nil, fmt.Errorf("%s tensor converter failed, %w", b.kind, err)
	}
	return t, nil
}

// checkNaming enforces the all-named xor all-nameless rule and returns
// whether names are in use.
func (b *bridge) checkNaming(tensors []*apis.GenericTensor) (bool, error) {
	if len(tensors) == 0 {
		return false, fmt.Errorf("%s tensor converter failed, input has no tensor", b.kind)
	}
	hasName := tensors[0].Name != ""
	for _, gt := range tensors {
		if (gt.Name != "") != hasName {
			return false, fmt.Errorf("%s tensor converter failed, gtensors tensors should all have name or"+
				" all have no name", b.kind)
		}
	}
	return hasName, nil
}

// Preprocess converts one request into a named map or ordered list of
// tensors.
func (b *bridge) Preprocess(inp *apis.GrpsMessage, ctx *serving.GrpsContext) (interface{}, error) {
	if inp.Gtensors == nil || len(inp.Gtensors.Tensors) == 0 {
		return nil, fmt.Errorf("%s tensor converter preprocess failed, input has no gtensors", b.kind)
	}
	hasName, err := b.checkNaming(inp.Gtensors.Tensors)
	if err != nil {
		return nil, err
	}

	out := &tensor.Tensors{}
	if hasName {
		out.Named = make(map[string]*tensor.Tensor, len(inp.Gtensors.Tensors))
		for _, gt := range inp.Gtensors.Tensors {
			if _, dup := out.Named[gt.Name]; dup {
				return nil, fmt.Errorf("%s tensor converter preprocess failed, duplicated tensor name: %s", b.kind, gt.Name)
			}
			t, err := b.convert(gt)
			if err != nil {
				return nil, err
			}
			out.Named[gt.Name] = t
			out.Names = append(out.Names, gt.Name)
		}
		return out, nil
	}
	for _, gt := range inp.Gtensors.Tensors {
		t, err := b.convert(gt)
		if err != nil {
			return nil, err
		}
		out.List = append(out.List, t)
	}
	return out, nil
}

// Postprocess converts an inferer output back to a wire message. A single
// tensor becomes "output"; an ordered list becomes "output_0, output_1, ...";
// a named bundle keeps its names.
func (b *bridge) Postprocess(inp interface{}, ctx *serving.GrpsContext) (*apis.GrpsMessage, error) {
	out := &apis.GrpsMessage{Gtensors: &apis.GenericTensorList{}}
	appendTensor := func(t *tensor.Tensor, name string) error {
		if !b.allowed(t.Dtype) {
			return fmt.Errorf("%s tensor converter postprocess failed, unsupported data type: %v", b.kind, t.Dtype)
		}
		out.Gtensors.Tensors = append(out.Gtensors.Tensors, t.ToGeneric(name))
		return nil
	}

	switch v := inp.(type) {
	case *tensor.Tensor:
		if err := appendTensor(v, "output"); err != nil {
			return nil, err
		}
	case []*tensor.Tensor:
		for i, t := range v {
			if err := appendTensor(t, fmt.Sprintf("output_%d", i)); err != nil {
				return nil, err
			}
		}
	case *tensor.Tensors:
		if v.Named != nil {
			for _, name := range v.Names {
				if err := appendTensor(v.Named[name], name); err != nil {
					return nil, err
				}
			}
		} else {
			for i, t := range v.List {
				if err := appendTensor(t, fmt.Sprintf("output_%d", i)); err != nil {
					return nil, err
				}
			}
		}
	default:
		return nil, fmt.Errorf("%s tensor converter postprocess failed, unsupported input type: %T,"+
			" should be tensor, tensor list or tensor map", b.kind, inp)
	}
	return out, nil
}

// BatchPreprocess checks that every request contributes tensors with the same
// names, dtypes, rank, and shape[1:] as the first request, records each
// request's leading dimension under BatchSizeKey, and concatenates along
// axis 0.
func (b *bridge) BatchPreprocess(inps []*apis.GrpsMessage, ctxs []*serving.GrpsContext) (interface{}, error) {
	if len(inps) != len(ctxs) {
		return nil, fmt.Errorf("%s tensor converter batch preprocess failed, inputs size not match with contexts", b.kind)
	}

	var (
		names   []string
		dtypes  []apis.DataType
		shapes  [][]int32
		hasName bool
		columns [][]*tensor.Tensor
	)
	for i, inp := range inps {
		if inp.Gtensors == nil || len(inp.Gtensors.Tensors) == 0 {
			return nil, fmt.Errorf("%s tensor converter batch preprocess error, some one gtensors tensors size is 0", b.kind)
		}
		gts := inp.Gtensors.Tensors
		reqHasName, err := b.checkNaming(gts)
		if err != nil {
			return nil, err
		}
		batchSize := int64(0)
		for _, gt := range gts {
			if len(gt.Shape) <= 1 {
				return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor shape size should be greater than 1", b.kind)
			}
			if batchSize == 0 {
				batchSize = int64(gt.Shape[0])
			} else if batchSize != int64(gt.Shape[0]) {
				return nil, fmt.Errorf("%s tensor converter batch preprocess error, batch size of each tensor not match", b.kind)
			}
		}
		ctxs[i].PutUserData(BatchSizeKey, batchSize)

		if i == 0 {
			hasName = reqHasName
			columns = make([][]*tensor.Tensor, len(gts))
			for j, gt := range gts {
				name := ""
				if hasName {
					name = gt.Name
				}
				names = append(names, name)
				dtypes = append(dtypes, gt.Dtype)
				shapes = append(shapes, gt.Shape)
				t, err := b.convert(gt)
				if err != nil {
					return nil, err
				}
				columns[j] = append(columns[j], t)
			}
			continue
		}

		if len(gts) != len(names) {
			return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor size not match", b.kind)
		}
		for j, gt := range gts {
			name := ""
			if reqHasName {
				name = gt.Name
			}
			if names[j] != name {
				return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor names not match", b.kind)
			}
			if dtypes[j] != gt.Dtype {
				return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor dtypes not match", b.kind)
			}
			if len(shapes[j]) != len(gt.Shape) {
				return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor shapes not match", b.kind)
			}
			for k := 1; k < len(gt.Shape); k++ {
				if shapes[j][k] != gt.Shape[k] {
					return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor shapes not match", b.kind)
				}
			}
			t, err := b.convert(gt)
			if err != nil {
				return nil, err
			}
			columns[j] = append(columns[j], t)
		}
	}

	out := &tensor.Tensors{}
	if hasName {
		out.Named = make(map[string]*tensor.Tensor, len(columns))
	}
	for j, column := range columns {
		batched, err := tensor.Concat(column)
		if err != nil {
			return nil, fmt.Errorf("%s tensor converter batch preprocess error, %w", b.kind, err)
		}
		if hasName {
			if _, dup := out.Named[names[j]]; dup {
				return nil, fmt.Errorf("%s tensor converter batch preprocess error, tensor names duplicated", b.kind)
			}
			out.Named[names[j]] = batched
			out.Names = append(out.Names, names[j])
		} else {
			out.List = append(out.List, batched)
		}
	}
	return out, nil
}

// BatchPostprocess splits the batched output along axis 0 using the sizes
// recorded at preprocess time and emits one response per context, in order.
func (b *bridge) BatchPostprocess(inp interface{}, ctxs []*serving.GrpsContext) ([]*apis.GrpsMessage, error) {
	sizes := make([]int64, len(ctxs))
	for i, ctx := range ctxs {
		v, ok := ctx.GetUserData(BatchSizeKey).(int64)
		if !ok {
			return nil, fmt.Errorf("%s tensor converter batch postprocess error, context has no batch size", b.kind)
		}
		sizes[i] = v
	}

	split := func(t *tensor.Tensor, name string) ([]*apis.GenericTensor, error) {
		if !b.allowed(t.Dtype) {
			return nil, fmt.Errorf("%s tensor converter batch postprocess failed, unsupported data type: %v", b.kind, t.Dtype)
		}
		pieces, err := t.Split(sizes)
		if err != nil {
			return nil, fmt.Errorf("%s tensor converter batch postprocess error, %w", b.kind, err)
		}
		gts := make([]*apis.GenericTensor, len(pieces))
		for i, p := range pieces {
			gts[i] = p.ToGeneric(name)
		}
		return gts, nil
	}

	outs := make([]*apis.GrpsMessage, len(ctxs))
	for i := range outs {
		outs[i] = &apis.GrpsMessage{Gtensors: &apis.GenericTensorList{}}
	}
	appendSplit := func(t *tensor.Tensor, name string) error {
		gts, err := split(t, name)
		if err != nil {
			return err
		}
		for i := range outs {
			outs[i].Gtensors.Tensors = append(outs[i].Gtensors.Tensors, gts[i])
		}
		return nil
	}

	switch v := inp.(type) {
	case *tensor.Tensor:
		if err := appendSplit(v, "output"); err != nil {
			return nil, err
		}
	case []*tensor.Tensor:
		for i, t := range v {
			if err := appendSplit(t, fmt.Sprintf("output_%d", i)); err != nil {
				return nil, err
			}
		}
	case *tensor.Tensors:
		if v.Named != nil {
			for _, name := range v.Names {
				if err := appendSplit(v.Named[name], name); err != nil {
					return nil, err
				}
			}
		} else {
			for i, t := range v.List {
				if err := appendSplit(t, fmt.Sprintf("output_%d", i)); err != nil {
					return nil, err
				}
			}
		}
	default:
		return nil, fmt.Errorf("%s tensor converter batch postprocess failed, unsupported input type: %T", b.kind, inp)
	}
	return outs, nil
}
