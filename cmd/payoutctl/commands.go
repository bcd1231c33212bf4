package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	grpc_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/in/grpc"
)

type clientFunc func() (*grpc_adapter.OperatorClient, error)

func aggregateCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Run one aggregation cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.RunAggregation(cmd.Context())
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), res)
		},
	}
}

func submitCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Submit every ready batch to the provider now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.SubmitReady(cmd.Context())
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), res)
		},
	}
}

func createObligationCmd(client clientFunc) *cobra.Command {
	var orderID, paymentID string
	cmd := &cobra.Command{
		Use:   "create-obligation <restaurant_id> <amount> <reason>",
		Short: "Record a payout obligation (amount is a decimal string, e.g. 1250.50)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{
				"restaurant_id": args[0],
				"amount":        args[1],
				"reason":        args[2],
			}
			if orderID != "" {
				fields["order_id"] = orderID
			}
			if paymentID != "" {
				fields["payment_id"] = paymentID
			}
			req, err := structpb.NewStruct(fields)
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.CreateObligation(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id the obligation comes from")
	cmd.Flags().StringVar(&paymentID, "payment", "", "payment id the obligation comes from")
	return cmd
}

func cancelObligationCmd(client clientFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel-obligation <obligation_id>",
		Short: "Cancel a pending obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancel(cmd, client, args[0], reason, (*grpc_adapter.OperatorClient).CancelObligation)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the obligation is cancelled")
	return cmd
}

func cancelAggregateCmd(client clientFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel-aggregate <aggregate_id>",
		Short: "Cancel an aggregate that has not reached the provider, releasing its obligations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancel(cmd, client, args[0], reason, (*grpc_adapter.OperatorClient).CancelAggregate)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the aggregate is cancelled")
	return cmd
}

type cancelCall func(c *grpc_adapter.OperatorClient, ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)

func cancel(cmd *cobra.Command, client clientFunc, id, reason string, call cancelCall) error {
	req, err := structpb.NewStruct(map[string]any{"id": id, "reason": reason})
	if err != nil {
		return err
	}
	c, err := client()
	if err != nil {
		return err
	}
	res, err := call(c, cmd.Context(), req)
	if err != nil {
		return err
	}
	return printMessage(cmd.OutOrStdout(), res)
}

func getAggregateCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get-aggregate <aggregate_id>",
		Short: "Show an aggregate with its obligations and batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.GetAggregate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), res)
		},
	}
}

func alertsCmd(client clientFunc) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List operator alerts (open only unless --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.ListAlerts(cmd.Context(), !all)
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved alerts")
	return cmd
}

func resolveAlertCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-alert <alert_id>",
		Short: "Mark an alert as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.ResolveAlert(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alert %s resolved\n", args[0])
			return nil
		},
	}
}

// printMessage 以縮排 JSON 輸出
func printMessage(w io.Writer, m proto.Message) error {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
