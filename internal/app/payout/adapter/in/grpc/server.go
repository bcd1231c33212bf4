package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// GrpcServer operator gRPC 服務
type GrpcServer struct {
	operator    *usecase.OperatorService
	obligations *usecase.ObligationService
}

func NewGrpcServer(operator *usecase.OperatorService, obligations *usecase.ObligationService) *GrpcServer {
	return &GrpcServer{
		operator:    operator,
		obligations: obligations,
	}
}

func (s *GrpcServer) RunAggregation(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.operator.TriggerAggregation(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStructResponse(batchResultMap(res))
}

func (s *GrpcServer) SubmitReady(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.operator.TriggerSubmission(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStructResponse(map[string]any{
		"batches":   res.Batches,
		"accepted":  res.Accepted,
		"paid":      res.Paid,
		"retrying":  res.Retrying,
		"failed":    res.Failed,
		"ambiguous": res.Ambiguous,
	})
}

// CreateObligation 欄位: restaurant_id, amount ("1500.00"), reason, order_id?, payment_id?, meta?
func (s *GrpcServer) CreateObligation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	amount, err := domain.ParseMoney(stringField(fields, "amount"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid amount: "+err.Error())
	}
	in := usecase.CreateObligationInput{
		RestaurantID: stringField(fields, "restaurant_id"),
		Amount:       amount,
		Reason:       stringField(fields, "reason"),
		OrderID:      optionalField(fields, "order_id"),
		PaymentID:    optionalField(fields, "payment_id"),
	}
	if meta, ok := fields["meta"].(map[string]any); ok {
		in.Meta = meta
	}
	o, err := s.obligations.CreateObligation(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStructResponse(obligationMap(o))
}

// CancelObligation 欄位: id, reason
func (s *GrpcServer) CancelObligation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	o, err := s.operator.CancelObligation(ctx, stringField(fields, "id"), stringField(fields, "reason"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStructResponse(obligationMap(o))
}

// CancelAggregate 欄位: id, reason
func (s *GrpcServer) CancelAggregate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	a, err := s.operator.CancelAggregate(ctx, stringField(fields, "id"), stringField(fields, "reason"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStructResponse(aggregateMap(a))
}

func (s *GrpcServer) GetAggregate(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	detail, err := s.operator.GetAggregate(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	out := aggregateMap(&detail.Aggregate)
	obligations := make([]any, 0, len(detail.Obligations))
	for i := range detail.Obligations {
		obligations = append(obligations, obligationMap(&detail.Obligations[i]))
	}
	out["obligations"] = obligations
	if detail.Batch != nil {
		out["batch_status"] = string(detail.Batch.Status)
	}
	return newStructResponse(out)
}

func (s *GrpcServer) ListAlerts(ctx context.Context, req *wrapperspb.BoolValue) (*structpb.ListValue, error) {
	alerts, err := s.operator.ListAlerts(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	items := make([]any, 0, len(alerts))
	for i := range alerts {
		items = append(items, alertMap(&alerts[i]))
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func (s *GrpcServer) ResolveAlert(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.operator.ResolveAlert(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// toStatus domain 錯誤對應到 gRPC status code
func toStatus(err error) error {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateObligation):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrObligationClaimed),
		errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor 記錄每次呼叫的耗時與結果
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelInfo
		if err != nil && code == codes.Internal {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"operator", operatorFrom(ctx),
			"code", code.String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// OperatorMetadataKey payoutctl 帶上的操作人員
const OperatorMetadataKey = "x-operator"

func operatorFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(OperatorMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

func newStructResponse(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func optionalField(m map[string]any, key string) *string {
	v, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func batchResultMap(res *usecase.BatchResult) map[string]any {
	out := map[string]any{
		"total_amount": res.TotalAmount.String(),
		"aggregates":   summaries(res.Aggregates),
		"reclaimed":    summaries(res.Reclaimed),
	}
	if res.BatchID != nil {
		out["batch_id"] = *res.BatchID
	}
	skipped := make([]any, 0, len(res.Skipped))
	for _, s := range res.Skipped {
		item := map[string]any{"restaurant_id": s.RestaurantID, "reason": s.Reason}
		if s.Err != nil {
			item["error"] = s.Err.Error()
		}
		skipped = append(skipped, item)
	}
	out["skipped"] = skipped
	return out
}

func summaries(in []usecase.AggregateSummary) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, map[string]any{
			"aggregate_id":  s.AggregateID,
			"restaurant_id": s.RestaurantID,
			"amount":        s.Amount.String(),
			"obligations":   s.Obligations,
		})
	}
	return out
}

func obligationMap(o *domain.Obligation) map[string]any {
	out := map[string]any{
		"id":            o.ID,
		"restaurant_id": o.RestaurantID,
		"amount":        o.Amount.String(),
		"status":        string(o.Status),
		"reason":        o.Reason,
		"created_at":    o.CreatedAt.Format(time.RFC3339),
	}
	if o.OrderID != nil {
		out["order_id"] = *o.OrderID
	}
	if o.PaymentID != nil {
		out["payment_id"] = *o.PaymentID
	}
	if o.ParentAggregateID != nil {
		out["parent_aggregate_id"] = *o.ParentAggregateID
	}
	return out
}

func aggregateMap(a *domain.AggregatedPayout) map[string]any {
	out := map[string]any{
		"id":             a.ID,
		"restaurant_id":  a.RestaurantID,
		"amount":         a.Amount.String(),
		"status":         string(a.Status),
		"attempt_count":  a.AttemptCount,
		"account_number": a.AccountNumber,
		"bank_code":      a.BankCode,
		"updated_at":     a.UpdatedAt.Format(time.RFC3339),
	}
	if a.PayoutBatchID != nil {
		out["batch_id"] = *a.PayoutBatchID
	}
	if a.ProviderTransferID != nil {
		out["provider_transfer_id"] = *a.ProviderTransferID
	}
	if a.LastError != nil {
		out["last_error"] = *a.LastError
	}
	if a.NextAttemptAt != nil {
		out["next_attempt_at"] = a.NextAttemptAt.Format(time.RFC3339)
	}
	if released, ok := a.Meta[domain.MetaReleasedAmount].(string); ok {
		out[domain.MetaReleasedAmount] = released
	}
	return out
}

func alertMap(a *domain.Alert) map[string]any {
	out := map[string]any{
		"id":            a.ID,
		"kind":          string(a.Kind),
		"subject_id":    a.SubjectID,
		"restaurant_id": a.RestaurantID,
		"message":       a.Message,
		"occurrences":   a.Occurrences,
		"created_at":    a.CreatedAt.Format(time.RFC3339),
		"open":          a.IsOpen(),
	}
	if a.ResolvedAt != nil {
		out["resolved_at"] = a.ResolvedAt.Format(time.RFC3339)
	}
	return out
}

var _ OperatorServer = (*GrpcServer)(nil)
