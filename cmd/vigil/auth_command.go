package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vigil/internal/daemon"
)

func newAuthCommand() *cobra.Command {
	authCmd := &cobra.Command{
		Use:         "auth",
		Short:       "API credential utilities",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}
	authCmd.AddCommand(newHashTokenCommand())
	return authCmd
}

func newHashTokenCommand() *cobra.Command {
	var tenant, owner string
	var admin bool
	cmd := &cobra.Command{
		Use:   "hash-token [TOKEN]",
		Short: "Hash a bearer token for auth.tenants (reads stdin when TOKEN is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token from stdin: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token must not be empty")
			}
			hash, err := daemon.HashToken(token)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "[[auth.tenants]]")
			fmt.Fprintf(out, "tenant_id = %q\n", tenant)
			fmt.Fprintf(out, "owner_id = %q\n", owner)
			fmt.Fprintf(out, "token_hash = %q\n", hash)
			if admin {
				fmt.Fprintln(out, "admin = true")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "Tenant id for the snippet")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id for the snippet")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant access to every owner's jobs in the tenant")
	return cmd
}
