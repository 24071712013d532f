package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tracyhatemice/attachhound/internal/mailbox"
	"github.com/tracyhatemice/attachhound/internal/model"
)

// Factory opens a fresh, unconnected mailbox for one cycle.
type Factory func() (mailbox.Mailbox, error)

// Ledger is the subset of the processed-mail store the poller needs.
type Ledger interface {
	AlreadyProcessed(ctx context.Context, uid string) (bool, error)
	Record(ctx context.Context, mail *model.Mail) error
}

// Account is what one cycle needs to know about the monitored mailbox.
type Account struct {
	Address      string
	Secret       string
	Folder       string
	PublicFolder bool
	Filters      mailbox.Filters
	// Delete trashes every message once it is recorded.
	Delete   bool
	Interval time.Duration
}

// Result summarizes one cycle.
type Result struct {
	Found     int
	Processed int
	Skipped   int
	Failed    int
}

// Poller runs export cycles against one mailbox folder.
type Poller struct {
	account    Account
	newMailbox Factory
	ledger     Ledger
	logger     *slog.Logger
}

// New creates a Poller for the given account.
func New(acct Account, newMailbox Factory, ledger Ledger, logger *slog.Logger) *Poller {
	if acct.Interval <= 0 {
		acct.Interval = 60 * time.Second
	}
	return &Poller{
		account:    acct,
		newMailbox: newMailbox,
		ledger:     ledger,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled. A failed cycle never stops the loop;
// the next one starts one interval after the previous one ended.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("starting poller",
		"address", p.account.Address,
		"folder", p.account.Folder,
		"interval", p.account.Interval,
		"delete", p.account.Delete,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-timer.C:
			p.RunOnce(ctx)
			timer.Reset(p.account.Interval)
		}
	}
}

// RunOnce performs a single cycle: connect, select, search, then export and
// record every message not yet in the ledger. Per-message fetch failures are
// logged and skipped. Any other failure ends the cycle, is logged and is
// returned. The mailbox is always closed.
func (p *Poller) RunOnce(ctx context.Context) (Result, error) {
	logger := p.logger.With("cycle", uuid.NewString(), "folder", p.account.Folder)
	start := time.Now()

	res, err := p.cycle(ctx, logger)
	if err != nil {
		if mailbox.IsAuthError(err) {
			logger.Error("authentication failed", "error", err)
		} else {
			logger.Error("cycle failed", "error", err)
		}
		return res, err
	}

	logger.Info("cycle complete",
		"found", res.Found,
		"processed", res.Processed,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

func (p *Poller) cycle(ctx context.Context, logger *slog.Logger) (Result, error) {
	var res Result

	mb, err := p.newMailbox()
	if err != nil {
		return res, fmt.Errorf("create mailbox: %w", err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			logger.Warn("close mailbox failed", "error", err)
		}
	}()

	if err := mb.Connect(ctx, p.account.Address, p.account.Secret); err != nil {
		return res, err
	}
	if err := mb.SelectFolder(ctx, p.account.Folder, p.account.PublicFolder); err != nil {
		return res, err
	}

	uids, err := mb.Search(ctx, p.account.Filters)
	if err != nil {
		logger.Error("search failed, nothing to process this cycle", "error", err)
		uids = nil
	}
	res.Found = len(uids)
	if len(uids) == 0 {
		logger.Debug("no messages found")
		return res, nil
	}
	logger.Info(fmt.Sprintf("found %d message(s)", len(uids)))

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("cycle interrupted: %w", err)
		}

		done, err := p.ledger.AlreadyProcessed(ctx, uid)
		if err != nil {
			return res, fmt.Errorf("check ledger for %s: %w", uid, err)
		}
		if done {
			logger.Debug("already processed", "uid", uid)
			res.Skipped++
			continue
		}

		mail, err := mb.GetMail(ctx, uid)
		if err != nil {
			logger.Error("fetch failed", "uid", uid, "error", err)
			res.Failed++
			continue
		}
		if mail == nil {
			logger.Debug("message absent, skipped", "uid", uid)
			res.Skipped++
			continue
		}

		if err := p.ledger.Record(ctx, mail); err != nil {
			return res, fmt.Errorf("record %s: %w", uid, err)
		}
		res.Processed++
		logger.Info("processed",
			"uid", uid,
			"subject", mail.Subject,
			"attachments", len(mail.Attachments),
		)

		if p.account.Delete {
			if err := mb.Trash(ctx, uid); err != nil {
				logger.Error("trash failed", "uid", uid, "error", err)
			}
		}
	}
	return res, nil
}
