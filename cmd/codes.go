// File: cmd/codes.go
package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/validation"
)

var validityNames = map[string]int{
	"valid":   validation.Valid,
	"invalid": validation.Invalid,
	"pending": validation.Pending,
}

func validityName(v int) string {
	for name, value := range validityNames {
		if value == v {
			return name
		}
	}
	return strconv.Itoa(v)
}

func newCodesCmd(a *app) *cobra.Command {
	codesCmd := &cobra.Command{
		Use:   "codes",
		Short: "Administer the friend code validation store",
	}

	// withStore opens the configured backend for one subcommand.
	withStore := func(fn func(cmd *cobra.Command, store validation.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), a.cfg.Validation(), clock.New(), a.logger)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("validation.backend is none; there is no store to administer")
			}
			defer store.Close()
			return fn(cmd, store, args)
		}
	}

	codesCmd.AddCommand(
		&cobra.Command{
			Use:   "submit <id> <group-size>",
			Short: "Record a friend code found in a pack of group-size accounts",
			Args:  cobra.ExactArgs(2),
			RunE: withStore(func(cmd *cobra.Command, store validation.Store, args []string) error {
				group, err := strconv.Atoi(args[1])
				if err != nil || group < 1 {
					return fmt.Errorf("group size must be a positive integer, got %q", args[1])
				}
				ok, err := store.Submit(cmd.Context(), args[0], group)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%q is not a valid friend code", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show the validity of a friend code",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, store validation.Store, args []string) error {
				v, ok, err := store.GetValidity(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is unknown", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], validityName(v))
				return nil
			}),
		},
		&cobra.Command{
			Use:       "set <id> valid|invalid|pending",
			Short:     "Record a validity decision for a friend code",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{"valid", "invalid", "pending"},
			RunE: withStore(func(cmd *cobra.Command, store validation.Store, args []string) error {
				v, ok := validityNames[strings.ToLower(args[1])]
				if !ok {
					return fmt.Errorf("validity must be valid, invalid or pending, got %q", args[1])
				}
				if err := store.SetValidity(cmd.Context(), args[0], v); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], validityName(v))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "next",
			Short: "Print the oldest pending friend code still under its caps",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, store validation.Store, args []string) error {
				id, ok, err := store.FetchNextPending(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no pending codes")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}),
		},
	)
	return codesCmd
}
