package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v4"
	"golang.org/x/term"

	"github.com/tracyhatemice/attachhound/internal/config"
	"github.com/tracyhatemice/attachhound/internal/credential"
	"github.com/tracyhatemice/attachhound/internal/ledger"
)

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), cfg.Redacted())
		},
	}
}

func newLedgerCmd(configPath *string) *cobra.Command {
	var limit int

	open := func(cmd *cobra.Command) (*ledger.Ledger, error) {
		cfg, err := config.LoadLedger(*configPath, cmd.Flags())
		if err != nil {
			return nil, err
		}
		return ledger.Open(cfg.Ledger.Path, setupLogger(cfg.LogLevel))
	}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect processed messages",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List processed messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			led, err := open(cmd)
			if err != nil {
				return err
			}
			defer led.Close()

			records, err := led.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no processed messages")
				return nil
			}
			return printYAML(cmd.OutOrStdout(), records)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows (0 for all)")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of processed messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			led, err := open(cmd)
			if err != nil {
				return err
			}
			defer led.Close()

			n, err := led.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.AddCommand(list, count)
	return cmd
}

func newCredentialCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the mailbox password in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the mailbox password in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", cfg.Mailbox.Address)
			secret, err := readSecret(cmd.InOrStdin())
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if secret == "" {
				return errors.New("password is required")
			}

			if err := credential.Set(cfg.Mailbox.Address, secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password stored in the system keyring.")
			if !cfg.Mailbox.UseKeyring {
				fmt.Fprintln(cmd.OutOrStdout(), "Set mailbox.use_keyring: true (or pass --use-keyring) to use it.")
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the mailbox password from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := credential.Delete(cfg.Mailbox.Address); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password removed from the system keyring.")
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

// readSecret reads without echo from a terminal, otherwise one line.
func readSecret(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printYAML(w io.Writer, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	_, err = w.Write(out)
	return err
}
