// Package apis defines the GRPS wire messages shared by the HTTP and RPC
// surfaces, plus the gRPC service description and JSON codec that carry them.
package apis

import "fmt"

// StatusFlag marks a response as success or failure.
type StatusFlag int32

const (
	StatusSuccess StatusFlag = 0
	StatusFailure StatusFlag = 1
)

// MarshalJSON renders the flag with its symbolic name, matching the wire format
// clients expect ("SUCCESS" / "FAILURE").
func (s StatusFlag) MarshalJSON() ([]byte, error) {
	switch s {
	case StatusFailure:
		return []byte(`"FAILURE"`), nil
	default:
		return []byte(`"SUCCESS"`), nil
	}
}

// UnmarshalJSON accepts both the symbolic name and the raw enum value.
func (s *StatusFlag) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"SUCCESS"`, "0":
		*s = StatusSuccess
	case `"FAILURE"`, "1":
		*s = StatusFailure
	default:
		return fmt.Errorf("invalid status flag: %s", b)
	}
	return nil
}

// GrpsStatus is the response status carried on every reply.
type GrpsStatus struct {
	Code   int32      `json:"code,omitempty"`
	Msg    string     `json:"msg,omitempty"`
	Status StatusFlag `json:"status"`
}

// DataType enumerates the generic tensor element types.
type DataType int32

const (
	DtInvalid DataType = iota
	DtUint8
	DtInt8
	DtInt16
	DtInt32
	DtInt64
	DtFloat16
	DtFloat32
	DtFloat64
	DtString
)

var dtypeNames = map[DataType]string{
	DtInvalid: "DT_INVALID",
	DtUint8:   "DT_UINT8",
	DtInt8:    "DT_INT8",
	DtInt16:   "DT_INT16",
	DtInt32:   "DT_INT32",
	DtInt64:   "DT_INT64",
	DtFloat16: "DT_FLOAT16",
	DtFloat32: "DT_FLOAT32",
	DtFloat64: "DT_FLOAT64",
	DtString:  "DT_STRING",
}

var dtypeValues = func() map[string]DataType {
	m := make(map[string]DataType, len(dtypeNames))
	for k, v := range dtypeNames {
		m[v] = k
	}
	return m
}()

func (d DataType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DT_UNKNOWN(%d)", int32(d))
}

func (d DataType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *DataType) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' {
		name := string(b[1 : len(b)-1])
		v, ok := dtypeValues[name]
		if !ok {
			return fmt.Errorf("invalid dtype: %s", name)
		}
		*d = v
		return nil
	}
	var raw int32
	if _, err := fmt.Sscanf(string(b), "%d", &raw); err != nil {
		return fmt.Errorf("invalid dtype: %s", b)
	}
	*d = DataType(raw)
	return nil
}

// GenericTensor is the neutral tensor representation on the wire. Exactly one
// Flat* slice is populated and its length equals the product of Shape.
type GenericTensor struct {
	Name        string    `json:"name,omitempty"`
	Dtype       DataType  `json:"dtype,omitempty"`
	Shape       []int32   `json:"shape,omitempty"`
	FlatUint8   []uint8   `json:"flat_uint8,omitempty"`
	FlatInt8    []int8    `json:"flat_int8,omitempty"`
	FlatInt16   []int16   `json:"flat_int16,omitempty"`
	FlatInt32   []int32   `json:"flat_int32,omitempty"`
	FlatInt64   []int64   `json:"flat_int64,omitempty"`
	FlatFloat16 []float32 `json:"flat_float16,omitempty"`
	FlatFloat32 []float32 `json:"flat_float32,omitempty"`
	FlatFloat64 []float64 `json:"flat_float64,omitempty"`
	FlatString  []string  `json:"flat_string,omitempty"`
}

// GenericTensorList orders the tensors of one request.
type GenericTensorList struct {
	Tensors []*GenericTensor `json:"tensors,omitempty"`
}

// GrpsGMap is the heterogeneous typed map field of GrpsMessage.
type GrpsGMap struct {
	SS   map[string]string         `json:"s_s,omitempty"`
	SB   map[string][]byte         `json:"s_b,omitempty"`
	SI32 map[string]int32          `json:"s_i32,omitempty"`
	SI64 map[string]int64          `json:"s_i64,omitempty"`
	SF   map[string]float32        `json:"s_f,omitempty"`
	SD   map[string]float64        `json:"s_d,omitempty"`
	ST   map[string]*GenericTensor `json:"s_t,omitempty"`
}

// GrpsMessage is the request and response envelope for both transports.
type GrpsMessage struct {
	Model    string             `json:"model,omitempty"`
	Status   *GrpsStatus        `json:"status,omitempty"`
	StrData  string             `json:"str_data,omitempty"`
	BinData  []byte             `json:"bin_data,omitempty"`
	Gtensors *GenericTensorList `json:"gtensors,omitempty"`
	Gmap     *GrpsGMap          `json:"gmap,omitempty"`
}

// SetStatus stamps code/msg/flag on the message, allocating the status if absent.
func (m *GrpsMessage) SetStatus(code int32, msg string, flag StatusFlag) {
	if m.Status == nil {
		m.Status = &GrpsStatus{}
	}
	m.Status.Code = code
	m.Status.Msg = msg
	m.Status.Status = flag
}

// OKMessage returns an empty message stamped {200, OK, SUCCESS}.
func OKMessage() *GrpsMessage {
	m := &GrpsMessage{}
	m.SetStatus(200, "OK", StatusSuccess)
	return m
}

// FailureMessage returns an empty message stamped {code, msg, FAILURE}.
func FailureMessage(code int32, msg string) *GrpsMessage {
	m := &GrpsMessage{}
	m.SetStatus(code, msg, StatusFailure)
	return m
}

// NumElements returns the product of the tensor shape.
func (t *GenericTensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// FlatLen returns the length of whichever flat slice is populated for the
// declared dtype, or -1 for an unknown dtype.
func (t *GenericTensor) FlatLen() int {
	switch t.Dtype {
	case DtUint8:
		return len(t.FlatUint8)
	case DtInt8:
		return len(t.FlatInt8)
	case DtInt16:
		return len(t.FlatInt16)
	case DtInt32:
		return len(t.FlatInt32)
	case DtInt64:
		return len(t.FlatInt64)
	case DtFloat16:
		return len(t.FlatFloat16)
	case DtFloat32:
		return len(t.FlatFloat32)
	case DtFloat64:
		return len(t.FlatFloat64)
	case DtString:
		return len(t.FlatString)
	default:
		return -1
	}
}
