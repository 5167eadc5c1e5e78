// Package ledger implements the double-entry journal and signed range
// proof core: balanced journal posting, compensating corrections, and
// canonical, signed range proofs verifiable offline by a third party.
package ledger

import (
	"fmt"
	"strings"

	"sentinelcore/store"
)

// Entry is one line of a journal to be posted.
type Entry struct {
	AccountID   string         `json:"account_id"`
	Side        string         `json:"side"` // "debit" | "credit"
	AmountCents int64          `json:"amount_cents"`
	Currency    string         `json:"currency"`
	Meta        map[string]any `json:"meta,omitempty"`
}

const (
	SideDebit  = "debit"
	SideCredit = "credit"
)

func (e Entry) validate() error {
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("ledger: entry missing account_id")
	}
	if e.Side != SideDebit && e.Side != SideCredit {
		return fmt.Errorf("ledger: entry has invalid side %q", e.Side)
	}
	if e.AmountCents <= 0 {
		return fmt.Errorf("ledger: entry amount must be > 0, got %d", e.AmountCents)
	}
	if strings.TrimSpace(e.Currency) == "" {
		return fmt.Errorf("ledger: entry missing currency")
	}
	return nil
}

// FX carries an optional translation rate to a base accounting
// currency, supplied by the caller alongside the journal.
type FX struct {
	BaseCurrency string             `json:"base_currency"`
	Rates        map[string]float64 `json:"rates"` // currency -> units of BaseCurrency per unit of currency
}

// PostRequest is the input to Post (POST /ledger/post).
type PostRequest struct {
	JournalID string         `json:"journal_id"`
	Entries   []Entry        `json:"entries"`
	Context   map[string]any `json:"context,omitempty"`
	FX        *FX            `json:"fx,omitempty"`
}

// CanonicalJournal is the shape hashed and signed for both the
// `ledger.post` audit payload and range proof generation: everything
// that defines a journal's content, nothing that depends on storage
// layout.
type CanonicalJournal struct {
	JournalID string         `json:"journal_id"`
	Entries   []Entry        `json:"entries"`
	Context   map[string]any `json:"context,omitempty"`
}

func canonicalFromRequest(req PostRequest) CanonicalJournal {
	return CanonicalJournal{JournalID: req.JournalID, Entries: req.Entries, Context: req.Context}
}

func canonicalFromStored(j store.LedgerJournal, lines []store.LedgerLine) (CanonicalJournal, error) {
	entries := make([]Entry, 0, len(lines))
	for _, l := range lines {
		e := Entry{AccountID: l.AccountID, Side: l.Side, AmountCents: l.AmountCents, Currency: l.Currency}
		if len(l.Metadata) > 0 {
			meta, err := decodeMetadata(l.Metadata)
			if err != nil {
				return CanonicalJournal{}, err
			}
			e.Meta = meta
		}
		entries = append(entries, e)
	}
	var ctx map[string]any
	if len(j.Context) > 0 {
		decoded, err := decodeMetadata(j.Context)
		if err != nil {
			return CanonicalJournal{}, err
		}
		ctx = decoded
	}
	return CanonicalJournal{JournalID: j.ID, Entries: entries, Context: ctx}, nil
}
