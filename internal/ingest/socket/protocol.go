package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"worklog/internal/contract"
)

type Operation int32

const (
	OperationUnknown Operation = 0
	OperationInvoke  Operation = 1
	OperationPing    Operation = 2
	OperationHealth  Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

// ErrorCodeFor maps an invocation error onto the wire code.
func ErrorCodeFor(err error) ErrorCode {
	switch contract.StatusOf(err) {
	case contract.StatusOK:
		return ErrorCodeOK
	case contract.StatusBadRequest:
		return ErrorCodeBadRequest
	case contract.StatusNotFound:
		return ErrorCodeNotFound
	default:
		return ErrorCodeInternal
	}
}

type SocketRequest struct {
	RequestId string         `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string         `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32          `protobuf:"varint,3,opt,name=operation,proto3"`
	Invoke    *InvokeRequest `protobuf:"bytes,4,opt,name=invoke,proto3"`
	Ping      *PingRequest   `protobuf:"bytes,5,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Payload      []byte          `protobuf:"bytes,4,opt,name=payload,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// InvokeRequest carries one contract call. Key is the store key the call
// touches; calls sharing a key are served in arrival order.
type InvokeRequest struct {
	Function   string   `protobuf:"bytes,1,opt,name=function,proto3"`
	Args       []string `protobuf:"bytes,2,rep,name=args,proto3"`
	Key        string   `protobuf:"bytes,3,opt,name=key,proto3"`
	TxId       string   `protobuf:"bytes,4,opt,name=tx_id,json=txId,proto3"`
	Channel    string   `protobuf:"bytes,5,opt,name=channel,proto3"`
	ContractId string   `protobuf:"bytes,6,opt,name=contract_id,json=contractId,proto3"`
	Username   string   `protobuf:"bytes,7,opt,name=username,proto3"`
}

func (*InvokeRequest) Reset()         {}
func (*InvokeRequest) String() string { return "InvokeRequest" }
func (*InvokeRequest) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	if Operation(req.Operation) == OperationInvoke && (req.Invoke == nil || req.Invoke.Function == "") {
		return fmt.Errorf("invoke function is required")
	}
	return nil
}
