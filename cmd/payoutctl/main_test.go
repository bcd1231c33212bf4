package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	grpc_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/in/grpc"
)

// MockOperatorServer 記錄收到的請求與操作人員
type MockOperatorServer struct {
	mu        sync.Mutex
	Requests  map[string]map[string]any
	Operators []string
}

func (m *MockOperatorServer) record(ctx context.Context, method string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Requests == nil {
		m.Requests = map[string]map[string]any{}
	}
	m.Requests[method] = fields
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		m.Operators = append(m.Operators, md.Get(grpc_adapter.OperatorMetadataKey)...)
	}
}

func (m *MockOperatorServer) RunAggregation(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	m.record(ctx, "RunAggregation", nil)
	return structpb.NewStruct(map[string]any{"batch_id": "b1", "total_amount": "150.00"})
}

func (m *MockOperatorServer) SubmitReady(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	m.record(ctx, "SubmitReady", nil)
	return structpb.NewStruct(map[string]any{"accepted": 2})
}

func (m *MockOperatorServer) CreateObligation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m.record(ctx, "CreateObligation", req.AsMap())
	return structpb.NewStruct(map[string]any{"id": "o1", "status": "pending"})
}

func (m *MockOperatorServer) CancelObligation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m.record(ctx, "CancelObligation", req.AsMap())
	return nil, status.Error(codes.FailedPrecondition, "obligation o1 is already paid")
}

func (m *MockOperatorServer) CancelAggregate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m.record(ctx, "CancelAggregate", req.AsMap())
	return structpb.NewStruct(map[string]any{"id": req.AsMap()["id"], "status": "cancelled"})
}

func (m *MockOperatorServer) GetAggregate(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	m.record(ctx, "GetAggregate", map[string]any{"id": req.GetValue()})
	return structpb.NewStruct(map[string]any{"id": req.GetValue(), "last_error": "timeout"})
}

func (m *MockOperatorServer) ListAlerts(ctx context.Context, req *wrapperspb.BoolValue) (*structpb.ListValue, error) {
	m.record(ctx, "ListAlerts", map[string]any{"open_only": req.GetValue()})
	return structpb.NewList([]any{map[string]any{"id": "al1", "kind": "missing_bank_details"}})
}

func (m *MockOperatorServer) ResolveAlert(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	m.record(ctx, "ResolveAlert", map[string]any{"id": req.GetValue()})
	return &emptypb.Empty{}, nil
}

func (m *MockOperatorServer) request(method string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests[method]
}

// startServer 在隨機 port 啟動假的 operator 服務
func startServer(t *testing.T) (*MockOperatorServer, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mock := &MockOperatorServer{}
	srv := grpc.NewServer()
	grpc_adapter.RegisterOperatorServer(srv, mock)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return mock, lis.Addr().String()
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", addr, "--operator", "alice"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	mock, addr := startServer(t)

	t.Run("Given aggregate When run Then the result is printed as json", func(t *testing.T) {
		out, err := run(t, addr, "aggregate")
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
		if !strings.Contains(out, `"batch_id": "b1"`) {
			t.Errorf("output = %s", out)
		}
	})

	t.Run("Given create-obligation with flags When run Then fields are sent", func(t *testing.T) {
		if _, err := run(t, addr, "create-obligation", "r1", "150.00", "order_settlement", "--order", "order-1"); err != nil {
			t.Fatalf("create-obligation: %v", err)
		}
		got := mock.request("CreateObligation")
		if got["restaurant_id"] != "r1" || got["amount"] != "150.00" || got["order_id"] != "order-1" {
			t.Errorf("request = %v", got)
		}
		if _, ok := got["payment_id"]; ok {
			t.Error("payment_id sent without the flag")
		}
	})

	t.Run("Given cancel-aggregate When run Then the reason is sent", func(t *testing.T) {
		if _, err := run(t, addr, "cancel-aggregate", "agg-1", "--reason", "wrong account"); err != nil {
			t.Fatalf("cancel-aggregate: %v", err)
		}
		if got := mock.request("CancelAggregate"); got["id"] != "agg-1" || got["reason"] != "wrong account" {
			t.Errorf("request = %v", got)
		}
	})

	t.Run("Given a server error When run Then it is returned", func(t *testing.T) {
		_, err := run(t, addr, "cancel-obligation", "o1")
		if status.Code(err) != codes.FailedPrecondition {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("Given alerts with --all When run Then closed alerts are requested", func(t *testing.T) {
		if _, err := run(t, addr, "alerts", "--all"); err != nil {
			t.Fatalf("alerts: %v", err)
		}
		if got := mock.request("ListAlerts"); got["open_only"] != false {
			t.Errorf("request = %v", got)
		}
		if _, err := run(t, addr, "alerts"); err != nil {
			t.Fatalf("alerts: %v", err)
		}
		if got := mock.request("ListAlerts"); got["open_only"] != true {
			t.Errorf("request = %v", got)
		}
	})

	t.Run("Given get-aggregate and resolve-alert When run Then ids are forwarded", func(t *testing.T) {
		out, err := run(t, addr, "get-aggregate", "agg-7")
		if err != nil {
			t.Fatalf("get-aggregate: %v", err)
		}
		if !strings.Contains(out, `"last_error": "timeout"`) {
			t.Errorf("output = %s", out)
		}
		if _, err := run(t, addr, "resolve-alert", "al1"); err != nil {
			t.Fatalf("resolve-alert: %v", err)
		}
		if got := mock.request("ResolveAlert"); got["id"] != "al1" {
			t.Errorf("request = %v", got)
		}
	})

	t.Run("Given any call Then the operator travels as metadata", func(t *testing.T) {
		mock.mu.Lock()
		defer mock.mu.Unlock()
		if len(mock.Operators) == 0 {
			t.Fatal("no operator metadata received")
		}
		for _, op := range mock.Operators {
			if op != "alice" {
				t.Errorf("operator = %q", op)
			}
		}
	})
}

func TestArgsValidation(t *testing.T) {
	_, err := run(t, "127.0.0.1:1", "create-obligation", "r1", "150.00")
	if err == nil || !strings.Contains(err.Error(), "accepts 3 arg(s)") {
		t.Errorf("error = %v", err)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("PAYOUT_TEST_ENV", "")
	if got := envOr("PAYOUT_TEST_ENV", "fallback"); got != "fallback" {
		t.Errorf("envOr = %q", got)
	}
	t.Setenv("PAYOUT_TEST_ENV", "set")
	if got := envOr("PAYOUT_TEST_ENV", "fallback"); got != "set" {
		t.Errorf("envOr = %q", got)
	}
}
