package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"gorm.io/gorm"

	"sentinelcore/store"
)

// registryEntry is the cached, verification-ready form of a
// store.SignerRecord: the raw PEM/DER public key material parsed once and
// kept alongside the record's metadata.
type registryEntry struct {
	KID       string
	Algorithm store.SignerAlgorithm
	Ed25519   []byte
	RSA       *rsa.PublicKey
	Revoked   bool
}

// registry resolves a signer KID to verification material. Lookups are
// served from an in-memory map backed by a goleveldb on-disk cache so a
// process restart does not require a database round trip for every
// previously-seen signer before it can verify its first event.
type registry struct {
	mu    sync.RWMutex
	cache map[string]registryEntry
	db    *gorm.DB
	ldb   *leveldb.DB
}

func newRegistry(db *gorm.DB, cachePath string) (*registry, error) {
	r := &registry{cache: make(map[string]registryEntry), db: db}
	if cachePath != "" {
		ldb, err := leveldb.OpenFile(cachePath, nil)
		if err != nil {
			return nil, fmt.Errorf("signing: open signer cache: %w", err)
		}
		r.ldb = ldb
		if err := r.loadFromDisk(); err != nil {
			return nil, err
		}
	}
	if db != nil {
		if err := r.loadFromStore(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *registry) close() error {
	if r.ldb != nil {
		return r.ldb.Close()
	}
	return nil
}

func (r *registry) loadFromStore() error {
	var records []store.SignerRecord
	if err := r.db.Find(&records).Error; err != nil {
		return fmt.Errorf("signing: load signer records: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		entry, err := entryFromRecord(rec)
		if err != nil {
			return err
		}
		r.cache[rec.KID] = entry
		r.persist(rec)
	}
	return nil
}

func (r *registry) loadFromDisk() error {
	iter := r.ldb.NewIterator(nil, nil)
	defer iter.Release()
	r.mu.Lock()
	defer r.mu.Unlock()
	for iter.Next() {
		var rec store.SignerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		entry, err := entryFromRecord(rec)
		if err != nil {
			continue
		}
		r.cache[rec.KID] = entry
	}
	return iter.Error()
}

func (r *registry) persist(rec store.SignerRecord) {
	if r.ldb == nil {
		return
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = r.ldb.Put([]byte(rec.KID), buf, nil)
}

func entryFromRecord(rec store.SignerRecord) (registryEntry, error) {
	entry := registryEntry{KID: rec.KID, Algorithm: rec.Algorithm, Revoked: rec.Revoked}
	switch rec.Algorithm {
	case store.AlgorithmEd25519:
		entry.Ed25519 = rec.PublicKey
	case store.AlgorithmRSA:
		block, _ := pem.Decode(rec.PublicKey)
		var der []byte
		if block != nil {
			der = block.Bytes
		} else {
			der = rec.PublicKey
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return registryEntry{}, fmt.Errorf("signing: parse rsa public key for %s: %w", rec.KID, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return registryEntry{}, fmt.Errorf("signing: key for %s is not RSA", rec.KID)
		}
		entry.RSA = rsaPub
	default:
		return registryEntry{}, fmt.Errorf("signing: unknown signer algorithm %q for %s", rec.Algorithm, rec.KID)
	}
	return entry, nil
}

// lookup returns the cached entry for kid, consulting the database on a
// cache miss so a signer registered by another process node is still
// resolvable.
func (r *registry) lookup(kid string) (registryEntry, error) {
	r.mu.RLock()
	entry, ok := r.cache[kid]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}
	if r.db == nil {
		return registryEntry{}, ErrSignerUnknown
	}
	var rec store.SignerRecord
	if err := r.db.Where("kid = ?", kid).First(&rec).Error; err != nil {
		return registryEntry{}, ErrSignerUnknown
	}
	entry, err := entryFromRecord(rec)
	if err != nil {
		return registryEntry{}, err
	}
	r.mu.Lock()
	r.cache[kid] = entry
	r.mu.Unlock()
	r.persist(rec)
	return entry, nil
}

// register adds or replaces a signer record, updating both the
// database and the local cache.
func (r *registry) register(rec store.SignerRecord) error {
	entry, err := entryFromRecord(rec)
	if err != nil {
		return err
	}
	if r.db != nil {
		if err := r.db.Save(&rec).Error; err != nil {
			return fmt.Errorf("signing: persist signer record: %w", err)
		}
	}
	r.mu.Lock()
	r.cache[rec.KID] = entry
	r.mu.Unlock()
	r.persist(rec)
	return nil
}
