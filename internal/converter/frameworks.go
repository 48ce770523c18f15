package converter

import "github.com/NetEase-Media/grps/internal/apis"

// NewTorchConverter bridges to torch tensors: every numeric dtype, no
// strings.
func NewTorchConverter() Converter {
	return &bridge{kind: "torch", allowed: func(d apis.DataType) bool {
		return d >= apis.DtUint8 && d <= apis.DtFloat64
	}}
}

// NewTfConverter bridges to tensorflow tensors: every dtype including
// strings.
func NewTfConverter() Converter {
	return &bridge{kind: "tf", allowed: func(d apis.DataType) bool {
		return d >= apis.DtUint8 && d <= apis.DtString
	}}
}

// NewTrtConverter bridges to tensorrt bindings, which carry no int16, int64,
// float16, float64 or string data.
func NewTrtConverter() Converter {
	return &bridge{kind: "trt", allowed: func(d apis.DataType) bool {
		switch d {
		case apis.DtUint8, apis.DtInt8, apis.DtInt32, apis.DtFloat32:
			return true
		default:
			return false
		}
	}}
}
