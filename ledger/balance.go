package ledger

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// ErrImbalance is returned by assertBalanced when debits and credits do
// not match within a currency (or base-currency) bucket.
var ErrImbalance = fmt.Errorf("ledger: imbalance")

// bucketTotals accumulates debit/credit cent totals through uint256 so
// a pathological journal with very large minor-unit amounts cannot
// silently wrap a plain int64 accumulator; the persisted amount itself
// stays a signed 64-bit integer, this wider type exists only for the
// summation path.
type bucketTotals struct {
	debits  *uint256.Int
	credits *uint256.Int
}

func newBucketTotals() *bucketTotals {
	return &bucketTotals{debits: uint256.NewInt(0), credits: uint256.NewInt(0)}
}

func (b *bucketTotals) add(side string, amountCents int64) {
	amount := uint256.NewInt(uint64(amountCents))
	if side == SideDebit {
		b.debits.Add(b.debits, amount)
	} else {
		b.credits.Add(b.credits, amount)
	}
}

func (b *bucketTotals) balanced() bool {
	return b.debits.Eq(b.credits)
}

// bucketize groups entries by currency bucket. When fx is nil, the
// bucket key is the entry's native currency and every bucket must
// balance independently, so a journal mixing currencies with no FX is
// rejected. When fx is set, every entry is translated to fx.BaseCurrency
// and all entries share a single "__base__" bucket.
func bucketize(entries []Entry, fx *FX) (map[string]*bucketTotals, error) {
	buckets := make(map[string]*bucketTotals)
	for _, e := range entries {
		key := e.Currency
		amount := e.AmountCents
		if fx != nil {
			translated, err := translate(e.AmountCents, e.Currency, *fx)
			if err != nil {
				return nil, err
			}
			amount = translated
			key = "__base__"
		}
		bucket, ok := buckets[key]
		if !ok {
			bucket = newBucketTotals()
			buckets[key] = bucket
		}
		bucket.add(e.Side, amount)
	}
	return buckets, nil
}

// translate converts amountCents in currency into fx.BaseCurrency cents,
// rounding to the nearest cent. The base currency itself needs no
// rate (rate 1.0 implied).
func translate(amountCents int64, currency string, fx FX) (int64, error) {
	if currency == fx.BaseCurrency {
		return amountCents, nil
	}
	rate, ok := fx.Rates[currency]
	if !ok {
		return 0, fmt.Errorf("ledger: no fx rate provided for currency %q", currency)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("ledger: invalid fx rate %v for currency %q", rate, currency)
	}
	converted := math.Round(float64(amountCents) * rate)
	if converted < 0 || converted > math.MaxInt64 {
		return 0, fmt.Errorf("ledger: fx translation overflow for currency %q", currency)
	}
	return int64(converted), nil
}

// assertBalanced validates that every currency bucket (or the single
// base-currency bucket under FX) has Σdebits == Σcredits.
func assertBalanced(entries []Entry, fx *FX) error {
	buckets, err := bucketize(entries, fx)
	if err != nil {
		return err
	}
	for currency, bucket := range buckets {
		if !bucket.balanced() {
			return fmt.Errorf("%w: currency %q debits=%s credits=%s", ErrImbalance, currency, bucket.debits.String(), bucket.credits.String())
		}
	}
	return nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("ledger: decode metadata: %w", err)
	}
	return m, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", err)
	}
	return buf, nil
}
