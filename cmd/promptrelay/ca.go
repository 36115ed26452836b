package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-command/promptrelay/internal/certs"
	"github.com/agent-command/promptrelay/internal/config"
)

func newCACmd() *cobra.Command {
	var (
		configPath string
		dir        string
	)
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create the local CA if needed and show its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dir = cfg.Server.StateDir
			}
			ca, created, err := certs.LoadOrCreateCA(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintln(out, "Generated a new local CA.")
			}
			fmt.Fprintf(out, "Path:        %s\n", ca.Path)
			fmt.Fprintf(out, "Subject:     %s\n", ca.Cert.Subject.CommonName)
			fmt.Fprintf(out, "Expires:     %s\n", ca.Cert.NotAfter.Format("2006-01-02"))
			fmt.Fprintf(out, "SHA-256:     %s\n", certs.Fingerprint(ca.Cert))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&dir, "dir", "", "certificate directory (default from config)")
	return cmd
}
