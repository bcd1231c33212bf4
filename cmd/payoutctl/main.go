package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	grpc_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/in/grpc"
	pkggrpc "github.com/JoeShih716/go-payout-engine/pkg/grpc"
)

var Version = "dev"

// globalFlags 所有子命令共用
type globalFlags struct {
	addr     string
	operator string
	timeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var pool *pkggrpc.Pool

	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operator console for the payout engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			pool = pkggrpc.NewPool(
				pkggrpc.WithInterceptor(pkggrpc.MetadataInterceptor(grpc_adapter.OperatorMetadataKey, flags.operator)),
				pkggrpc.WithInterceptor(pkggrpc.TimeoutInterceptor(flags.timeout)),
			)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if pool != nil {
				_ = pool.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", envOr("PAYOUT_GRPC_ADDR", "localhost:50051"), "payoutd gRPC address")
	rootCmd.PersistentFlags().StringVar(&flags.operator, "operator", envOr("USER", "unknown"), "operator name recorded by the server")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "per-call timeout")

	client := func() (*grpc_adapter.OperatorClient, error) {
		conn, err := pool.GetConnection(flags.addr)
		if err != nil {
			return nil, err
		}
		return grpc_adapter.NewOperatorClient(conn), nil
	}

	rootCmd.AddCommand(aggregateCmd(client))
	rootCmd.AddCommand(submitCmd(client))
	rootCmd.AddCommand(createObligationCmd(client))
	rootCmd.AddCommand(cancelObligationCmd(client))
	rootCmd.AddCommand(cancelAggregateCmd(client))
	rootCmd.AddCommand(getAggregateCmd(client))
	rootCmd.AddCommand(alertsCmd(client))
	rootCmd.AddCommand(resolveAlertCmd(client))
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
