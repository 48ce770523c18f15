// Package tensor is the in-process dense tensor the framework bridges move
// data through: typed flat storage plus a shape, with the axis-0 concat and
// split operations dynamic batching is built on.
package tensor

import (
	"fmt"

	"github.com/NetEase-Media/grps/internal/apis"
)

// Tensor is a dense host tensor. Exactly one flat slice is populated,
// selected by Dtype.
type Tensor struct {
	Dtype apis.DataType
	Shape []int64

	U8  []uint8
	I8  []int8
	I16 []int16
	I32 []int32
	I64 []int64
	F16 []float32 // half precision carried as float32
	F32 []float32
	F64 []float64
	Str []string
}

// NumElements returns the product of Shape.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// FlatLen returns the populated flat slice's length.
func (t *Tensor) FlatLen() int {
	switch t.Dtype {
	case apis.DtUint8:
		return len(t.U8)
	case apis.DtInt8:
		return len(t.I8)
	case apis.DtInt16:
		return len(t.I16)
	case apis.DtInt32:
		return len(t.I32)
	case apis.DtInt64:
		return len(t.I64)
	case apis.DtFloat16:
		return len(t.F16)
	case apis.DtFloat32:
		return len(t.F32)
	case apis.DtFloat64:
		return len(t.F64)
	case apis.DtString:
		return len(t.Str)
	default:
		return 0
	}
}

// FromGeneric converts a wire tensor, checking that the flat data length
// equals the shape product.
func FromGeneric(gt *apis.GenericTensor) (*Tensor, error) {
	t := &Tensor{Dtype: gt.Dtype, Shape: make([]int64, len(gt.Shape))}
	for i, d := range gt.Shape {
		t.Shape[i] = int64(d)
	}
	switch gt.Dtype {
	case apis.DtUint8:
		t.U8 = gt.FlatUint8
	case apis.DtInt8:
		t.I8 = gt.FlatInt8
	case apis.DtInt16:
		t.I16 = gt.FlatInt16
	case apis.DtInt32:
		t.I32 = gt.FlatInt32
	case apis.DtInt64:
		t.I64 = gt.FlatInt64
	case apis.DtFloat16:
		t.F16 = gt.FlatFloat16
	case apis.DtFloat32:
		t.F32 = gt.FlatFloat32
	case apis.DtFloat64:
		t.F64 = gt.FlatFloat64
	case apis.DtString:
		t.Str = gt.FlatString
	default:
		return nil, fmt.Errorf("unsupported data type: %v", gt.Dtype)
	}
	if int64(t.FlatLen()) != t.NumElements() {
		return nil, fmt.Errorf("tensor %q size not match, shape: %v, expected size: %d, actual size: %d",
			gt.Name, gt.Shape, t.NumElements(), t.FlatLen())
	}
	if t.FlatLen() == 0 {
		return nil, fmt.Errorf("tensor %q data is empty", gt.Name)
	}
	return t, nil
}

// ToGeneric converts back to the wire representation under name.
func (t *Tensor) ToGeneric(name string) *apis.GenericTensor {
	gt := &apis.GenericTensor{Name: name, Dtype: t.Dtype, Shape: make([]int32, len(t.Shape))}
	for i, d := range t.Shape {
		gt.Shape[i] = int32(d)
	}
	switch t.Dtype {
	case apis.DtUint8:
		gt.FlatUint8 = t.U8
	case apis.DtInt8:
		gt.FlatInt8 = t.I8
	case apis.DtInt16:
		gt.FlatInt16 = t.I16
	case apis.DtInt32:
		gt.FlatInt32 = t.I32
	case apis.DtInt64:
		gt.FlatInt64 = t.I64
	case apis.DtFloat16:
		gt.FlatFloat16 = t.F16
	case apis.DtFloat32:
		gt.FlatFloat32 = t.F32
	case apis.DtFloat64:
		gt.FlatFloat64 = t.F64
	case apis.DtString:
		gt.FlatString = t.Str
	}
	return gt
}

// Concat joins tensors along axis 0. Every input must share dtype and
// shape[1:].
func Concat(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat of no tensors")
	}
	first := tensors[0]
	out := &Tensor{Dtype: first.Dtype, Shape: append([]int64(nil), first.Shape...)}
	for _, t := range tensors[1:] {
		if t.Dtype != first.Dtype {
			return nil, fmt.Errorf("concat dtype not match: %v vs %v", t.Dtype, first.Dtype)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat rank not match: %v vs %v", t.Shape, first.Shape)
		}
		for i := 1; i < len(t.Shape); i++ {
			if t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("concat shape not match: %v vs %v", t.Shape, first.Shape)
			}
		}
		out.Shape[0] += t.Shape[0]
	}
	for _, t := range tensors {
		out.U8 = append(out.U8, t.U8...)
		out.I8 = append(out.I8, t.I8...)
		out.I16 = append(out.I16, t.I16...)
		out.I32 = append(out.I32, t.I32...)
		out.I64 = append(out.I64, t.I64...)
		out.F16 = append(out.F16, t.F16...)
		out.F32 = append(out.F32, t.F32...)
		out.F64 = append(out.F64, t.F64...)
		out.Str = append(out.Str, t.Str...)
	}
	return out, nil
}

// Split cuts t along axis 0 into pieces with the given leading dimensions.
// The sizes must sum to shape[0].
func (t *Tensor) Split(sizes []int64) ([]*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("split of scalar tensor")
	}
	var total int64
	for _, s := range sizes {
		total += s
	}
	if total != t.Shape[0] {
		return nil, fmt.Errorf("split sizes %v do not sum to leading dimension %d", sizes, t.Shape[0])
	}
	stride := int64(1)
	for _, d := range t.Shape[1:] {
		stride *= d
	}
	out := make([]*Tensor, len(sizes))
	var off int64
	for i, s := range sizes {
		shape := append([]int64{s}, t.Shape[1:]...)
		piece := &Tensor{Dtype: t.Dtype, Shape: shape}
		lo, hi := off*stride, (off+s)*stride
		switch t.Dtype {
		case apis.DtUint8:
			piece.U8 = t.U8[lo:hi]
		case apis.DtInt8:
			piece.I8 = t.I8[lo:hi]
		case apis.DtInt16:
			piece.I16 = t.I16[lo:hi]
		case apis.DtInt32:
			piece.I32 = t.I32[lo:hi]
		case apis.DtInt64:
			piece.I64 = t.I64[lo:hi]
		case apis.DtFloat16:
			piece.F16 = t.F16[lo:hi]
		case apis.DtFloat32:
			piece.F32 = t.F32[lo:hi]
		case apis.DtFloat64:
			piece.F64 = t.F64[lo:hi]
		case apis.DtString:
			piece.Str = t.Str[lo:hi]
		}
		out[i] = piece
		off += s
	}
	return out, nil
}

// Tensors is a framework-facing bundle: named map xor ordered list, mirroring
// the wire naming rule.
type Tensors struct {
	// Names orders the named form; empty means the list form is in use.
	Names []string
	Named map[string]*Tensor
	List  []*Tensor
}

// Single reports whether the bundle holds exactly one tensor and returns it.
func (ts *Tensors) Single() (*Tensor, bool) {
	if len(ts.Named) == 1 {
		return ts.Named[ts.Names[0]], true
	}
	if ts.Named == nil && len(ts.List) == 1 {
		return ts.List[0], true
	}
	return nil, false
}
