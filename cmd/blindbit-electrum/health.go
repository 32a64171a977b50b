package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	v2 "github.com/setavenger/blindbit-electrum/internal/server/v2"
)

// NewHealthClient connects to the grpc health service at host.
func NewHealthClient(host string) (healthpb.HealthClient, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("did not connect: %w", err)
	}
	return healthpb.NewHealthClient(conn), conn, nil
}

func healthCmd() *cobra.Command {
	var (
		host    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the grpc health service of a running instance",
		Long: `Query the grpc health service of a running instance and exit non-zero
unless the index is synced.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, conn, err := NewHealthClient(host)
			if err != nil {
				return err
			}
			defer conn.Close()

			for _, service := range []string{"", v2.IndexerService} {
				resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
				if err != nil {
					return fmt.Errorf("health check %q: %w", service, err)
				}
				name := service
				if name == "" {
					name = "server"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %s\n", name, resp.GetStatus())
				if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
					return fmt.Errorf("%s is %s", name, resp.GetStatus())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "grpc", "127.0.0.1:8001", "grpc host of the running instance")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for the health check")
	return cmd
}
