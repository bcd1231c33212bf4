package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName operator 服務名稱
// 請求與回應都使用 protobuf well-known types，不需要額外產生程式碼
const ServiceName = "payout.v1.Operator"

// OperatorServer 伺服器端介面
type OperatorServer interface {
	RunAggregation(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitReady(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CreateObligation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelObligation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelAggregate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAggregate(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListAlerts(context.Context, *wrapperspb.BoolValue) (*structpb.ListValue, error)
	ResolveAlert(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// RegisterOperatorServer 註冊到 grpc.Server
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&OperatorServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryHandler 建立 grpc.MethodDesc 需要的 handler
func unaryHandler[Req any, Resp any](name string, newReq func() *Req, call func(OperatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OperatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OperatorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newBool() *wrapperspb.BoolValue { return &wrapperspb.BoolValue{} }

// OperatorServiceDesc 手寫的 service descriptor
var OperatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("RunAggregation", newEmpty, OperatorServer.RunAggregation),
		unaryHandler("SubmitReady", newEmpty, OperatorServer.SubmitReady),
		unaryHandler("CreateObligation", newStruct, OperatorServer.CreateObligation),
		unaryHandler("CancelObligation", newStruct, OperatorServer.CancelObligation),
		unaryHandler("CancelAggregate", newStruct, OperatorServer.CancelAggregate),
		unaryHandler("GetAggregate", newString, OperatorServer.GetAggregate),
		unaryHandler("ListAlerts", newBool, OperatorServer.ListAlerts),
		unaryHandler("ResolveAlert", newString, OperatorServer.ResolveAlert),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payout/v1/operator.proto",
}

// OperatorClient 用戶端 (payoutctl)
type OperatorClient struct {
	cc grpc.ClientConnInterface
}

func NewOperatorClient(cc grpc.ClientConnInterface) *OperatorClient {
	return &OperatorClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OperatorClient) RunAggregation(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "RunAggregation", &emptypb.Empty{}, opts...)
}

func (c *OperatorClient) SubmitReady(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "SubmitReady", &emptypb.Empty{}, opts...)
}

func (c *OperatorClient) CreateObligation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "CreateObligation", in, opts...)
}

func (c *OperatorClient) CancelObligation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "CancelObligation", in, opts...)
}

func (c *OperatorClient) CancelAggregate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "CancelAggregate", in, opts...)
}

func (c *OperatorClient) GetAggregate(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "GetAggregate", wrapperspb.String(id), opts...)
}

func (c *OperatorClient) ListAlerts(ctx context.Context, openOnly bool, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, "ListAlerts", wrapperspb.Bool(openOnly), opts...)
}

func (c *OperatorClient) ResolveAlert(ctx context.Context, id string, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, "ResolveAlert", wrapperspb.String(id), opts...)
	return err
}
