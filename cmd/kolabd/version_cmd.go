package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/kolabd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var detailed bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the kolabd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if short && detailed {
				return fmt.Errorf("--short and --detailed are mutually exclusive")
			}
			info := version.Read()
			switch {
			case short:
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.Version)
				return err
			case detailed:
				data, err := yaml.Marshal(info)
				if err != nil {
					return fmt.Errorf("encode version: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			default:
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "print module, revision and Go version as YAML")
	return cmd
}
