package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/store"
)

// Poster wires journal posting to the signed audit chain.
type Poster struct {
	db    *gorm.DB
	chain *audit.Chain
}

func NewPoster(db *gorm.DB, chain *audit.Chain) *Poster {
	return &Poster{db: db, chain: chain}
}

// Post validates every entry, asserts per-bucket balance, and inserts
// the journal plus its `ledger.post` audit event atomically.
// Idempotency is the caller's concern (the httpapi layer wraps this
// handler in the idempotency middleware); Post itself is not
// idempotent and assumes it is invoked at most once per distinct
// journal_id under normal operation.
func (p *Poster) Post(ctx context.Context, req PostRequest) (*store.LedgerJournal, error) {
	if req.JournalID == "" {
		return nil, fmt.Errorf("ledger: journal_id is required")
	}
	if len(req.Entries) == 0 {
		return nil, fmt.Errorf("ledger: journal must have at least one entry")
	}
	for _, e := range req.Entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
	}
	if err := assertBalanced(req.Entries, req.FX); err != nil {
		return nil, err
	}

	var journal store.LedgerJournal
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		contextBytes, err := encodeMetadata(req.Context)
		if err != nil {
			return err
		}
		journal = store.LedgerJournal{
			ID: req.JournalID, Context: contextBytes, PostedAt: now, CreatedAt: now,
		}
		if err := tx.Create(&journal).Error; err != nil {
			return fmt.Errorf("ledger: insert journal: %w", err)
		}

		lines := make([]store.LedgerLine, 0, len(req.Entries))
		for _, e := range req.Entries {
			metaBytes, err := encodeMetadata(e.Meta)
			if err != nil {
				return err
			}
			lines = append(lines, store.LedgerLine{
				ID: uuid.New(), JournalID: journal.ID, AccountID: e.AccountID,
				Side: e.Side, AmountCents: e.AmountCents, Currency: e.Currency, Metadata: metaBytes,
			})
		}
		if err := tx.Create(&lines).Error; err != nil {
			return fmt.Errorf("ledger: insert lines: %w", err)
		}

		if p.chain != nil {
			canonicalJournal := canonicalFromRequest(req)
			if _, err := p.chain.AppendTx(ctx, tx, "ledger", "ledger.post", canonicalJournal); err != nil {
				return fmt.Errorf("ledger: audit post: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &journal, nil
}

// Correct never updates existing lines; instead it posts a new,
// balanced journal whose entries invert the original and whose context
// references the original journal id (CorrectsID).
func (p *Poster) Correct(ctx context.Context, correctionJournalID, originalJournalID, reason string) (*store.LedgerJournal, error) {
	var original store.LedgerJournal
	var originalLines []store.LedgerLine
	if err := p.db.WithContext(ctx).Where("id = ?", originalJournalID).First(&original).Error; err != nil {
		return nil, fmt.Errorf("ledger: load original journal: %w", err)
	}
	if err := p.db.WithContext(ctx).Where("journal_id = ?", originalJournalID).Find(&originalLines).Error; err != nil {
		return nil, fmt.Errorf("ledger: load original lines: %w", err)
	}

	inverted := make([]Entry, 0, len(originalLines))
	for _, l := range originalLines {
		side := SideCredit
		if l.Side == SideCredit {
			side = SideDebit
		}
		var meta map[string]any
		if len(l.Metadata) > 0 {
			decoded, err := decodeMetadata(l.Metadata)
			if err != nil {
				return nil, err
			}
			meta = decoded
		}
		inverted = append(inverted, Entry{
			AccountID: l.AccountID, Side: side, AmountCents: l.AmountCents, Currency: l.Currency, Meta: meta,
		})
	}

	req := PostRequest{
		JournalID: correctionJournalID, Entries: inverted,
		Context: map[string]any{"corrects": originalJournalID, "reason": reason},
	}
	journal, err := p.Post(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := p.db.WithContext(ctx).Model(&store.LedgerJournal{}).
		Where("id = ?", journal.ID).Update("corrects_id", originalJournalID).Error; err != nil {
		return nil, fmt.Errorf("ledger: set corrects_id: %w", err)
	}
	journal.CorrectsID = &originalJournalID
	return journal, nil
}
