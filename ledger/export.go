package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gopkg.in/yaml.v3"

	"sentinelcore/store"
)

// journalLineRow is one flattened row of the compliance export: a
// ledger line joined with its parent journal's posting time. Read-only
// convenience over already-proved data; it participates in neither
// balancing nor signing.
type journalLineRow struct {
	JournalID   string `parquet:"name=journal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccountID   string `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountCents int64  `parquet:"name=amount_cents, type=INT64"`
	Currency    string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	PostedAtUTC string `parquet:"name=posted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportRange renders every journal line posted in [fromTS, toTS) as a
// columnar Parquet file at path, for compliance/reporting pulls.
func (g *ProofGenerator) ExportRange(ctx context.Context, path string, fromTS, toTS time.Time) (int, error) {
	journals, err := g.journalsInRange(ctx, fromTS, toTS)
	if err != nil {
		return 0, err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("ledger: open parquet file: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(journalLineRow), 4)
	if err != nil {
		return 0, fmt.Errorf("ledger: create parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	count := 0
	for _, j := range journals {
		var lines []store.LedgerLine
		if err := g.db.WithContext(ctx).Where("journal_id = ?", j.ID).Order("id").Find(&lines).Error; err != nil {
			return count, fmt.Errorf("ledger: load lines for journal %s: %w", j.ID, err)
		}
		for _, l := range lines {
			row := journalLineRow{
				JournalID: l.JournalID, AccountID: l.AccountID, Side: l.Side,
				AmountCents: l.AmountCents, Currency: l.Currency,
				PostedAtUTC: j.PostedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				return count, fmt.Errorf("ledger: write parquet row: %w", err)
			}
			count++
		}
	}

	if err := pw.WriteStop(); err != nil {
		return count, fmt.Errorf("ledger: finalize parquet file: %w", err)
	}
	return count, nil
}

// proofManifest is the human-readable YAML rendering of a LedgerProof,
// suitable for attaching to an auditor's ticket.
type proofManifest struct {
	ProofID     string `yaml:"proof_id"`
	FromTS      string `yaml:"from_ts"`
	ToTS        string `yaml:"to_ts"`
	Hash        string `yaml:"hash"`
	SignerKID   string `yaml:"signer_kid"`
	Signature   string `yaml:"signature"`
	GeneratedAt string `yaml:"generated_at"`
}

// ExportProofManifest renders a generated proof as YAML bytes.
func ExportProofManifest(proof Proof) ([]byte, error) {
	manifest := proofManifest{
		ProofID: proof.ProofID.String(), FromTS: proof.FromTS.UTC().Format(time.RFC3339Nano),
		ToTS: proof.ToTS.UTC().Format(time.RFC3339Nano), Hash: proof.Hash,
		SignerKID: proof.SignerKID, Signature: proof.Signature,
		GeneratedAt: proof.TS.UTC().Format(time.RFC3339Nano),
	}
	buf, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal proof manifest: %w", err)
	}
	return buf, nil
}
