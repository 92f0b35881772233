// Package wire holds the RPC messages of the inference gateway and their
// protobuf encoding. Field numbers and the DataType enum follow TensorFlow
// Serving so stock clients interoperate; see schema.proto.
package wire

import "fmt"

// DataType is the TensorFlow tensor element type.
type DataType int32

const (
	DT_INVALID DataType = 0
	DT_FLOAT   DataType = 1
	DT_DOUBLE  DataType = 2
	DT_INT32   DataType = 3
	DT_UINT8   DataType = 4
	DT_INT16   DataType = 5
	DT_INT8    DataType = 6
	DT_STRING  DataType = 7
	DT_INT64   DataType = 9
	DT_BOOL    DataType = 10
	DT_UINT16  DataType = 17
	DT_HALF    DataType = 19
	DT_VARIANT DataType = 21
	DT_UINT32  DataType = 22
	DT_UINT64  DataType = 23
)

var dataTypeNames = map[DataType]string{
	DT_INVALID: "DT_INVALID",
	DT_FLOAT:   "DT_FLOAT",
	DT_DOUBLE:  "DT_DOUBLE",
	DT_INT32:   "DT_INT32",
	DT_UINT8:   "DT_UINT8",
	DT_INT16:   "DT_INT16",
	DT_INT8:    "DT_INT8",
	DT_STRING:  "DT_STRING",
	DT_INT64:   "DT_INT64",
	DT_BOOL:    "DT_BOOL",
	DT_UINT16:  "DT_UINT16",
	DT_HALF:    "DT_HALF",
	DT_VARIANT: "DT_VARIANT",
	DT_UINT32:  "DT_UINT32",
	DT_UINT64:  "DT_UINT64",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int32(d))
}
