package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/signing"
	"sentinelcore/store"
)

func newTestLedger(t *testing.T) (*Poster, *ProofGenerator, *gorm.DB, *signing.Service) {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	signer, err := signing.New(context.Background(), db, signing.Config{DevSeed: "ledger-test"}, nil)
	require.NoError(t, err)
	chain := audit.New(db, signer)

	return NewPoster(db, chain), NewProofGenerator(db, signer), db, signer
}

func TestPostBalancedJournalInsertsJournalAndAuditRow(t *testing.T) {
	poster, _, db, signer := newTestLedger(t)
	defer signer.Close()

	req := PostRequest{
		JournalID: "jrn-1",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 19999, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 19999, Currency: "USD"},
		},
	}
	journal, err := poster.Post(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "jrn-1", journal.ID)

	var lines []store.LedgerLine
	require.NoError(t, db.Where("journal_id = ?", "jrn-1").Find(&lines).Error)
	require.Len(t, lines, 2)

	var events []store.AuditEvent
	require.NoError(t, db.Where("shard = ? AND type = ?", "ledger", "ledger.post").Find(&events).Error)
	require.Len(t, events, 1)
}

func TestPostSingleDebitMultipleCreditsBalances(t *testing.T) {
	poster, _, _, signer := newTestLedger(t)
	defer signer.Close()

	req := PostRequest{
		JournalID: "jrn-split",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 10000, Currency: "USD"},
			{AccountID: "revenue-a", Side: SideCredit, AmountCents: 6000, Currency: "USD"},
			{AccountID: "revenue-b", Side: SideCredit, AmountCents: 4000, Currency: "USD"},
		},
	}
	_, err := poster.Post(context.Background(), req)
	require.NoError(t, err)
}

func TestPostTwoCurrenciesNoFXIsRejected(t *testing.T) {
	poster, _, _, signer := newTestLedger(t)
	defer signer.Close()

	req := PostRequest{
		JournalID: "jrn-fx-missing",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 10000, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 10000, Currency: "EUR"},
		},
	}
	_, err := poster.Post(context.Background(), req)
	require.ErrorIs(t, err, ErrImbalance)
}

func TestPostWithFXTranslatesToBaseCurrency(t *testing.T) {
	poster, _, _, signer := newTestLedger(t)
	defer signer.Close()

	req := PostRequest{
		JournalID: "jrn-fx",
		Entries: []Entry{
			{AccountID: "cash-eur", Side: SideDebit, AmountCents: 10000, Currency: "EUR"},
			{AccountID: "revenue-usd", Side: SideCredit, AmountCents: 11000, Currency: "USD"},
		},
		FX: &FX{BaseCurrency: "USD", Rates: map[string]float64{"EUR": 1.1}},
	}
	_, err := poster.Post(context.Background(), req)
	require.NoError(t, err)
}

func TestPostRejectsZeroAmountEntry(t *testing.T) {
	poster, _, _, signer := newTestLedger(t)
	defer signer.Close()

	req := PostRequest{
		JournalID: "jrn-bad",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 0, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 0, Currency: "USD"},
		},
	}
	_, err := poster.Post(context.Background(), req)
	require.Error(t, err)
}

func TestCorrectProducesInvertingCompensatingJournal(t *testing.T) {
	poster, _, db, signer := newTestLedger(t)
	defer signer.Close()

	original := PostRequest{
		JournalID: "jrn-orig",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 500, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 500, Currency: "USD"},
		},
	}
	_, err := poster.Post(context.Background(), original)
	require.NoError(t, err)

	correction, err := poster.Correct(context.Background(), "jrn-corr", "jrn-orig", "booked in error")
	require.NoError(t, err)
	require.NotNil(t, correction.CorrectsID)
	require.Equal(t, "jrn-orig", *correction.CorrectsID)

	var lines []store.LedgerLine
	require.NoError(t, db.Where("journal_id = ?", "jrn-corr").Order("account_id").Find(&lines).Error)
	require.Len(t, lines, 2)
	for _, l := range lines {
		if l.AccountID == "cash" {
			require.Equal(t, SideCredit, l.Side)
		} else {
			require.Equal(t, SideDebit, l.Side)
		}
	}
}

func TestProofRoundTripVerifiesAndRegeneratesSameHash(t *testing.T) {
	poster, proofs, _, signer := newTestLedger(t)
	defer signer.Close()

	_, err := poster.Post(context.Background(), PostRequest{
		JournalID: "jrn-proof-1",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 100, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 100, Currency: "USD"},
		},
	})
	require.NoError(t, err)

	from := time.Now().Add(-time.Hour).UTC()
	to := time.Now().Add(time.Hour).UTC()

	proof, err := proofs.Generate(context.Background(), from, to)
	require.NoError(t, err)
	require.NoError(t, proofs.Verify(context.Background(), *proof))

	regenerated, err := proofs.Generate(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, proof.Hash, regenerated.Hash)
}

func TestProofVerificationFailsOnTamperedLine(t *testing.T) {
	poster, proofs, db, signer := newTestLedger(t)
	defer signer.Close()

	_, err := poster.Post(context.Background(), PostRequest{
		JournalID: "jrn-proof-tamper",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 100, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 100, Currency: "USD"},
		},
	})
	require.NoError(t, err)

	from := time.Now().Add(-time.Hour).UTC()
	to := time.Now().Add(time.Hour).UTC()
	proof, err := proofs.Generate(context.Background(), from, to)
	require.NoError(t, err)

	require.NoError(t, db.Model(&store.LedgerLine{}).
		Where("journal_id = ? AND account_id = ?", "jrn-proof-tamper", "cash").
		Update("amount_cents", 999).Error)

	err = proofs.Verify(context.Background(), *proof)
	require.Error(t, err)
}

func TestExportRangeWritesParquetFile(t *testing.T) {
	poster, proofs, _, signer := newTestLedger(t)
	defer signer.Close()

	_, err := poster.Post(context.Background(), PostRequest{
		JournalID: "jrn-export",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 250, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 250, Currency: "USD"},
		},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export.parquet")
	count, err := proofs.ExportRange(context.Background(), path, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestExportProofManifestProducesYAML(t *testing.T) {
	proof := Proof{
		Hash: "deadbeef", SignerKID: "kid-1", Signature: "sig-1",
		FromTS: time.Now(), ToTS: time.Now(), TS: time.Now(),
	}
	buf, err := ExportProofManifest(proof)
	require.NoError(t, err)
	require.Contains(t, string(buf), "hash: deadbeef")
}
