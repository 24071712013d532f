package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/attachhound/internal/config"
	"github.com/tracyhatemice/attachhound/internal/credential"
	"github.com/tracyhatemice/attachhound/internal/export"
	"github.com/tracyhatemice/attachhound/internal/ledger"
	"github.com/tracyhatemice/attachhound/internal/mailbox"
	"github.com/tracyhatemice/attachhound/internal/poller"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	root := &cobra.Command{
		Use:   "attachhound",
		Short: "Poll a mailbox and export every attachment to disk",
		Long: "attachhound polls an IMAP, Exchange or POP3 mailbox folder, writes the\n" +
			"attachments of new messages to a directory and records each processed\n" +
			"message in a SQLite ledger so it is exported only once.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, once)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (default ./attachhound.yaml)")
	config.RegisterFlags(root.PersistentFlags())
	root.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")

	root.AddCommand(
		newConfigCmd(&configPath),
		newLedgerCmd(&configPath),
		newCredentialCmd(&configPath),
	)
	return root
}

func run(parent context.Context, cfg *config.Config, once bool) error {
	logger := setupLogger(cfg.LogLevel)

	secret, err := credential.Resolve(cfg.Mailbox.Address, cfg.Mailbox.Password, cfg.Mailbox.UseKeyring)
	if err != nil {
		return err
	}

	exp, err := export.New(cfg.Attachments.Dir, cfg.Attachments.Naming, logger)
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		return err
	}
	defer led.Close()

	opts := mailbox.Options{
		Exporter:           exp,
		SkipAttachmentless: !cfg.Attachments.ExportZeroAttachmentMails,
		MarkRead:           cfg.Mailbox.MarkRead,
		Delete:             cfg.DeleteAfterExport,
		Logger:             logger,
	}
	factory := func() (mailbox.Mailbox, error) {
		return newMailbox(cfg.Mailbox, opts)
	}

	p := poller.New(poller.Account{
		Address:      cfg.Mailbox.Address,
		Secret:       secret,
		Folder:       cfg.Mailbox.Folder,
		PublicFolder: cfg.Mailbox.PublicFolder,
		Filters:      mailbox.Filters(cfg.Filters),
		Delete:       cfg.DeleteAfterExport,
		Interval:     cfg.PollInterval,
	}, factory, led, logger)

	logger.Info("attachhound starting",
		"mailbox", cfg.Mailbox.Type,
		"server", cfg.Mailbox.Server,
		"ledger", cfg.Ledger.Path,
		"attachments", exp.Dir(),
	)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		if _, err := p.RunOnce(ctx); err != nil {
			return fmt.Errorf("cycle failed: %w", err)
		}
		return nil
	}

	p.Run(ctx)
	logger.Info("attachhound stopped")
	return nil
}

func newMailbox(mb config.Mailbox, opts mailbox.Options) (mailbox.Mailbox, error) {
	switch mb.Type {
	case config.TypeIMAP:
		return mailbox.NewIMAP(mb.Server, mb.Port, mb.TLS, opts), nil
	case config.TypeExchange:
		return mailbox.NewExchange(mb.Server, opts), nil
	case config.TypePOP3:
		return mailbox.NewPOP3(mb.Server, mb.Port, mb.TLS, opts), nil
	default:
		return nil, fmt.Errorf("unsupported mailbox type: %s", mb.Type)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
