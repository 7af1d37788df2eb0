package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/kolabd"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(logger))
	return cmd
}

func newVerifyStoreCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Verify the snapshot store can be written and read back",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
KOLABD_STORE=disk:///var/lib/kolabd kolabd verify store

# Verify S3-compatible service (MinIO)
KOLABD_STORE=s3://localhost:9000/kolabd?insecure=1 KOLABD_S3_ACCESS_KEY_ID=minio KOLABD_S3_SECRET_ACCESS_KEY=minio123 kolabd verify store

# Verify AWS S3
KOLABD_STORE=aws://my-bucket KOLABD_AWS_REGION=us-west-2 kolabd verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg kolabd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			res, err := kolabd.VerifyStore(cmd.Context(), cfg, svcfields.WithSubsystem(logger, "cli.verify"))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			fmt.Fprintf(out, "Snapshot key: %s\n", cfg.StoreKey)
			for _, check := range res.Checks {
				status := "OK"
				if check.Err != nil {
					status = "FAIL: " + check.Err.Error()
				}
				fmt.Fprintf(out, "  %-14s %s\n", check.Name, status)
			}
			if res.RecommendedPolicy != "" {
				fmt.Fprintln(out, "Recommended IAM policy:")
				fmt.Fprintln(out, res.RecommendedPolicy)
			}
			if !res.Passed() {
				return errors.New("store verification failed")
			}
			fmt.Fprintln(out, "Store verification passed")
			return nil
		},
	}
}
