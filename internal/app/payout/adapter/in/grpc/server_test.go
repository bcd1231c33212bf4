package grpc_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	grpc_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/in/grpc"
	memory_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/memory"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	grpcpool "github.com/JoeShih716/go-payout-engine/pkg/grpc"
)

// pendingProvider 接受所有轉帳，結果待 callback
type pendingProvider struct{}

func (pendingProvider) Transfer(_ context.Context, req usecase.TransferRequest) (*usecase.TransferResult, error) {
	return &usecase.TransferResult{TransferID: "TRF_" + req.Reference, Status: domain.TransferPending}, nil
}

func (pendingProvider) FetchTransfer(_ context.Context, ref string) (*domain.Outcome, error) {
	return &domain.Outcome{Reference: ref, Status: domain.TransferPending}, nil
}

// createTestClient 以 bufconn 啟動 operator 服務，回傳透過連線池建立的 client
func createTestClient(t *testing.T) *grpc_adapter.OperatorClient {
	t.Helper()

	store := memory_adapter.NewStore()
	bank := memory_adapter.NewStaticRegistry(map[string]domain.BankDetails{
		"r1": {AccountNumber: "0123456789", AccountName: "Mama Put", BankCode: "058"},
	})
	cfg := usecase.Config{MaxAttempts: 3}
	provider := pendingProvider{}
	obligations := usecase.NewObligationService(store)
	aggregator := usecase.NewAggregator(store, bank, cfg)
	reconciler := usecase.NewReconciler(store, provider, cfg)
	submitter := usecase.NewSubmitter(store, provider, reconciler, cfg)
	operator := usecase.NewOperatorService(store, aggregator, submitter)

	lis := bufconn.Listen(1 << 20)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := grpc.NewServer(grpc.UnaryInterceptor(grpc_adapter.LoggingInterceptor(logger)))
	grpc_adapter.RegisterOperatorServer(srv, grpc_adapter.NewGrpcServer(operator, obligations))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	pool := grpcpool.NewPool(
		grpcpool.WithInterceptor(grpcpool.MetadataInterceptor(grpc_adapter.OperatorMetadataKey, "tester")),
		grpcpool.WithInterceptor(grpcpool.TimeoutInterceptor(5*time.Second)),
	)
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.GetConnection("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	return grpc_adapter.NewOperatorClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := status.Code(err); got != code {
		t.Fatalf("code = %s, want %s (err = %v)", got, code, err)
	}
}

func TestOperatorService(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t)

	var aggregateID string

	t.Run("Given a valid obligation When created Then it is pending", func(t *testing.T) {
		resp, err := client.CreateObligation(ctx, mustStruct(t, map[string]any{
			"restaurant_id": "r1",
			"amount":        "150.00",
			"reason":        domain.ReasonOrderSettlement,
			"order_id":      "order-1",
		}))
		if err != nil {
			t.Fatalf("CreateObligation() error = %v", err)
		}
		fields := resp.AsMap()
		if fields["status"] != "pending" || fields["amount"] != "150.00" || fields["order_id"] != "order-1" {
			t.Errorf("unexpected response %v", fields)
		}
	})

	t.Run("Given invalid input When created Then invalid argument or already exists", func(t *testing.T) {
		_, err := client.CreateObligation(ctx, mustStruct(t, map[string]any{
			"restaurant_id": "r1", "amount": "1.234", "reason": domain.ReasonOrderSettlement,
		}))
		wantCode(t, err, codes.InvalidArgument)

		_, err = client.CreateObligation(ctx, mustStruct(t, map[string]any{
			"restaurant_id": "r1", "amount": "0", "reason": domain.ReasonOrderSettlement,
		}))
		wantCode(t, err, codes.InvalidArgument)

		_, err = client.CreateObligation(ctx, mustStruct(t, map[string]any{
			"restaurant_id": "r1", "amount": "10.00", "reason": domain.ReasonOrderSettlement, "order_id": "order-1",
		}))
		wantCode(t, err, codes.AlreadyExists)
	})

	t.Run("Given pending obligations When aggregation runs Then one aggregate is batched", func(t *testing.T) {
		resp, err := client.RunAggregation(ctx)
		if err != nil {
			t.Fatalf("RunAggregation() error = %v", err)
		}
		fields := resp.AsMap()
		if fields["batch_id"] == nil {
			t.Fatalf("missing batch id: %v", fields)
		}
		aggs := fields["aggregates"].([]any)
		if len(aggs) != 1 {
			t.Fatalf("aggregates = %v", aggs)
		}
		first := aggs[0].(map[string]any)
		aggregateID = first["aggregate_id"].(string)
		if first["amount"] != "150.00" || fields["total_amount"] != "150.00" {
			t.Errorf("unexpected amounts %v", fields)
		}
	})

	t.Run("Given a batched aggregate When cancelled Then obligations return to pending", func(t *testing.T) {
		resp, err := client.CancelAggregate(ctx, mustStruct(t, map[string]any{"id": aggregateID, "reason": "wrong account"}))
		if err != nil {
			t.Fatalf("CancelAggregate() error = %v", err)
		}
		if resp.AsMap()["status"] != "cancelled" {
			t.Errorf("status = %v", resp.AsMap()["status"])
		}

		_, err = client.CancelAggregate(ctx, mustStruct(t, map[string]any{"id": aggregateID, "reason": "again"}))
		wantCode(t, err, codes.FailedPrecondition)

		detail, err := client.GetAggregate(ctx, aggregateID)
		if err != nil {
			t.Fatalf("GetAggregate() error = %v", err)
		}
		fields := detail.AsMap()
		if fields["last_error"] != "cancelled by operator: wrong account" || fields["released_amount"] != "150.00" {
			t.Errorf("unexpected detail %v", fields)
		}
		if obls := fields["obligations"].([]any); len(obls) != 0 {
			t.Errorf("cancelled aggregate still links %v", obls)
		}
	})

	t.Run("Given released obligations When aggregated and submitted Then the transfer is accepted", func(t *testing.T) {
		if _, err := client.RunAggregation(ctx); err != nil {
			t.Fatalf("RunAggregation() error = %v", err)
		}
		resp, err := client.SubmitReady(ctx)
		if err != nil {
			t.Fatalf("SubmitReady() error = %v", err)
		}
		if got := resp.GetFields()["accepted"].GetNumberValue(); got != 1 {
			t.Errorf("accepted = %v", got)
		}
	})

	t.Run("Given an unknown aggregate When read Then not found", func(t *testing.T) {
		_, err := client.GetAggregate(ctx, "missing")
		wantCode(t, err, codes.NotFound)
	})

	t.Run("Given a pending obligation When cancelled twice Then the second call fails", func(t *testing.T) {
		created, err := client.CreateObligation(ctx, mustStruct(t, map[string]any{
			"restaurant_id": "r1", "amount": "20.00", "reason": domain.ReasonPromoPlatformTopup,
		}))
		if err != nil {
			t.Fatalf("CreateObligation() error = %v", err)
		}
		id := created.AsMap()["id"].(string)

		resp, err := client.CancelObligation(ctx, mustStruct(t, map[string]any{"id": id, "reason": "refunded"}))
		if err != nil {
			t.Fatalf("CancelObligation() error = %v", err)
		}
		if resp.AsMap()["status"] != "cancelled" {
			t.Errorf("status = %v", resp.AsMap()["status"])
		}
		_, err = client.CancelObligation(ctx, mustStruct(t, map[string]any{"id": id, "reason": "again"}))
		wantCode(t, err, codes.FailedPrecondition)
	})

	t.Run("Given a restaurant without bank details When aggregated Then an alert can be resolved", func(t *testing.T) {
		if _, err := client.CreateObligation(ctx, mustStruct(t, map[string]any{
			"restaurant_id": "r-missing", "amount": "5.00", "reason": domain.ReasonOrderSettlement,
		})); err != nil {
			t.Fatalf("CreateObligation() error = %v", err)
		}
		if _, err := client.RunAggregation(ctx); err != nil {
			t.Fatalf("RunAggregation() error = %v", err)
		}

		open, err := client.ListAlerts(ctx, true)
		if err != nil {
			t.Fatalf("ListAlerts() error = %v", err)
		}
		if len(open.GetValues()) != 1 {
			t.Fatalf("open alerts = %v", open.AsSlice())
		}
		alert := open.AsSlice()[0].(map[string]any)
		if alert["kind"] != string(domain.AlertMissingBankDetails) || alert["subject_id"] != "r-missing" {
			t.Errorf("unexpected alert %v", alert)
		}

		if err := client.ResolveAlert(ctx, alert["id"].(string)); err != nil {
			t.Fatalf("ResolveAlert() error = %v", err)
		}
		open, err = client.ListAlerts(ctx, true)
		if err != nil {
			t.Fatalf("ListAlerts() error = %v", err)
		}
		if len(open.GetValues()) != 0 {
			t.Errorf("alert still open: %v", open.AsSlice())
		}
		all, err := client.ListAlerts(ctx, false)
		if err != nil {
			t.Fatalf("ListAlerts() error = %v", err)
		}
		if len(all.GetValues()) != 1 || all.AsSlice()[0].(map[string]any)["open"] != false {
			t.Errorf("all alerts = %v", all.AsSlice())
		}
	})
}
