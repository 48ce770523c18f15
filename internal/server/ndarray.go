package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/NetEase-Media/grps/internal/apis"
)

var (
	errBinDataInJSON = errors.New("bin_data should use application/octet-stream format.")
	errNoLegalField  = errors.New("No legal field in json.")
)

func errContext(msg string) error { return errors.New(msg) }

// ndarrayToTensor converts a decoded JSON nested array into one float32
// tensor. The nesting must be rectangular.
func ndarrayToTensor(v interface{}) (*apis.GenericTensor, error) {
	gt := &apis.GenericTensor{Dtype: apis.DtFloat32}

	// Walk down the first element of each level to fix the shape.
	for cur := v; ; {
		list, ok := cur.([]interface{})
		if !ok {
			break
		}
		gt.Shape = append(gt.Shape, int32(len(list)))
		if len(list) == 0 {
			break
		}
		cur = list[0]
	}

	var flatten func(v interface{}, depth int) error
	flatten = func(v interface{}, depth int) error {
		if depth == len(gt.Shape) {
			n, ok := v.(float64)
			if !ok {
				return fmt.Errorf("ndarray element is not a number: %v", v)
			}
			gt.FlatFloat32 = append(gt.FlatFloat32, float32(n))
			return nil
		}
		list, ok := v.([]interface{})
		if !ok || int32(len(list)) != gt.Shape[depth] {
			return errors.New("ndarray is not rectangular")
		}
		for _, e := range list {
			if err := flatten(e, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := flatten(v, 0); err != nil {
		return nil, err
	}
	return gt, nil
}

// tensorToNested rebuilds the nested array form of a float32 tensor.
func tensorToNested(flat []float32, shape []int32) interface{} {
	if len(shape) == 0 {
		if len(flat) == 1 {
			return flat[0]
		}
		return flat
	}
	if len(shape) == 1 {
		out := make([]interface{}, len(flat))
		for i, v := range flat {
			out[i] = v
		}
		return out
	}
	stride := len(flat) / int(shape[0])
	out := make([]interface{}, shape[0])
	for i := range out {
		out[i] = tensorToNested(flat[i*stride:(i+1)*stride], shape[1:])
	}
	return out
}

// ndarrayReply shapes a response for return-ndarray: the first output tensor
// (which must be float32) replaces gtensors as a nested array.
func ndarrayReply(msg *apis.GrpsMessage) (httpReply, error) {
	if msg.Gtensors == nil || len(msg.Gtensors.Tensors) == 0 ||
		msg.Gtensors.Tensors[0].Dtype != apis.DtFloat32 {
		return httpReply{}, errors.New("No float32 tensors in output. Cannot convert to ndarray.")
	}
	first := msg.Gtensors.Tensors[0]
	for _, d := range first.Shape {
		if d <= 0 {
			return httpReply{}, errors.New("Empty dimension in output tensor. Cannot convert to ndarray.")
		}
	}

	raw, err := apis.Marshal(msg)
	if err != nil {
		return httpReply{}, err
	}
	var fields map[string]interface{}
	if err := apis.Unmarshal(raw, &fields); err != nil {
		return httpReply{}, err
	}
	delete(fields, "gtensors")
	fields["ndarray"] = tensorToNested(first.FlatFloat32, first.Shape)

	body, err := apis.MarshalIndent(fields)
	if err != nil {
		return httpReply{}, err
	}
	return httpReply{code: http.StatusOK, contentType: "application/json;charset=utf-8", body: body}, nil
}
