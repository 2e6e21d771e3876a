package chunk

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketChunks = []byte("chunks")
	bucketRefs   = []byte("refs")
	bucketPins   = []byte("pins")
	bucketOwners = []byte("owners")
	bucketHeads  = []byte("heads")
)

// Bolt is a Backend on a bbolt file.
//
// Payloads and refs live in separate buckets keyed by raw digest, so GC
// can scan refs without paging in payloads. Pin counts live in one nested
// bucket per owner under pins.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt creates or opens the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	opt := *bbolt.DefaultOptions
	opt.Timeout = 10 * time.Second
	opt.FreelistType = bbolt.FreelistMapType

	db, err := bbolt.Open(path, 0o666, &opt)
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketRefs, bucketPins, bucketOwners, bucketHeads} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return dropUnownedPins(tx.Bucket(bucketPins))
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) GetChunk(ctx context.Context, d Digest) (Chunk, error) {
	var c Chunk
	err := b.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket(bucketChunks).Get(d[:])
		if payload == nil {
			return ErrNotFound
		}
		refs, err := decodeRefs(tx.Bucket(bucketRefs).Get(d[:]))
		if err != nil {
			return Corruptf(d, err, "bad refs entry")
		}
		c = Chunk{
			Digest:   d,
			Payload:  append([]byte(nil), payload...),
			Refs:     refs,
			RefCount: pinCount(tx.Bucket(bucketPins), d),
		}
		return nil
	})
	return c, err
}

func (b *Bolt) PutChunk(ctx context.Context, c Chunk, owner string, pins int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		if chunks.Get(c.Digest[:]) == nil {
			// bbolt stores a nil value as absent, so empty payloads get a non-nil slice.
			payload := c.Payload
			if payload == nil {
				payload = []byte{}
			}
			if err := chunks.Put(c.Digest[:], payload); err != nil {
				return fmt.Errorf("put chunk: %w", err)
			}
			if err := tx.Bucket(bucketRefs).Put(c.Digest[:], encodeRefs(c.Refs)); err != nil {
				return fmt.Errorf("put refs: %w", err)
			}
		}
		return addCount(tx.Bucket(bucketPins), owner, c.Digest, pins)
	})
}

func (b *Bolt) AddPins(ctx context.Context, owner string, delta map[Digest]int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		chunks, pins := tx.Bucket(bucketChunks), tx.Bucket(bucketPins)
		for d, n := range delta {
			if chunks.Get(d[:]) == nil {
				continue
			}
			if err := addCount(pins, owner, d, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) RenewOwner(ctx context.Context, owner string, expiresMs int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(expiresMs))
		return tx.Bucket(bucketOwners).Put([]byte(owner), buf[:])
	})
}

func (b *Bolt) ReleaseOwner(ctx context.Context, owner string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOwners).Delete([]byte(owner)); err != nil {
			return err
		}
		return deleteOwnerPins(tx.Bucket(bucketPins), []byte(owner))
	})
}

func (b *Bolt) ExpireOwners(ctx context.Context, nowMs int64) (int, error) {
	n := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		owners, pins := tx.Bucket(bucketOwners), tx.Bucket(bucketPins)
		var expired [][]byte
		err := owners.ForEach(func(k, v []byte) error {
			if len(v) != 8 || int64(binary.BigEndian.Uint64(v)) < nowMs {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := owners.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)

		var orphaned [][]byte
		err = forEachOwner(pins, func(k []byte, _ *bbolt.Bucket) error {
			if owners.Get(k) == nil {
				orphaned = append(orphaned, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range orphaned {
			if err := deleteOwnerPins(pins, k); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

func (b *Bolt) GetHead(ctx context.Context, name string) (Digest, error) {
	var d Digest
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketHeads).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var err error
		d, err = FromBytes(raw)
		return err
	})
	return d, err
}

func (b *Bolt) CompareAndSwapHead(ctx context.Context, name string, expected, next Digest) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		heads := tx.Bucket(bucketHeads)
		var current Digest
		if raw := heads.Get([]byte(name)); raw != nil {
			var err error
			if current, err = FromBytes(raw); err != nil {
				return err
			}
		}
		if current != expected {
			return ErrConflict
		}
		if next.IsZero() {
			return heads.Delete([]byte(name))
		}
		return heads.Put([]byte(name), append([]byte(nil), next[:]...))
	})
}

func (b *Bolt) ListHeads(ctx context.Context) (map[string]Digest, error) {
	heads := make(map[string]Digest)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHeads).ForEach(func(k, v []byte) error {
			d, err := FromBytes(v)
			if err != nil {
				return err
			}
			heads[string(k)] = d
			return nil
		})
	})
	return heads, err
}

func (b *Bolt) ForEachChunk(ctx context.Context, fn func(d Digest, refs []Digest, refCount int) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		totals := pinTotals(tx.Bucket(bucketPins))
		return tx.Bucket(bucketRefs).ForEach(func(k, v []byte) error {
			d, err := FromBytes(k)
			if err != nil {
				return err
			}
			refs, err := decodeRefs(v)
			if err != nil {
				return Corruptf(d, err, "bad refs entry")
			}
			return fn(d, refs, totals[d])
		})
	})
}

func (b *Bolt) DeleteChunks(ctx context.Context, ds []Digest) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		pins := tx.Bucket(bucketPins)
		for _, d := range ds {
			for _, name := range [][]byte{bucketChunks, bucketRefs} {
				if err := tx.Bucket(name).Delete(d[:]); err != nil {
					return fmt.Errorf("delete chunk %s: %w", d.Short(), err)
				}
			}
			err := forEachOwner(pins, func(_ []byte, held *bbolt.Bucket) error {
				return held.Delete(d[:])
			})
			if err != nil {
				return fmt.Errorf("delete pins of %s: %w", d.Short(), err)
			}
		}
		return nil
	})
}

func pinCount(pins *bbolt.Bucket, d Digest) int {
	n := 0
	forEachOwner(pins, func(_ []byte, held *bbolt.Bucket) error {
		if raw := held.Get(d[:]); len(raw) == 8 {
			n += int(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return n
}

// pinTotals sums the pin counts of every owner per digest.
func pinTotals(pins *bbolt.Bucket) map[Digest]int {
	totals := make(map[Digest]int)
	forEachOwner(pins, func(_ []byte, held *bbolt.Bucket) error {
		return held.ForEach(func(k, v []byte) error {
			d, err := FromBytes(k)
			if err == nil && len(v) == 8 {
				totals[d] += int(binary.BigEndian.Uint64(v))
			}
			return nil
		})
	})
	return totals
}

// forEachOwner visits the nested pin bucket of every owner. Names are
// collected first, so fn may modify the buckets.
func forEachOwner(pins *bbolt.Bucket, fn func(owner []byte, held *bbolt.Bucket) error) error {
	var owners [][]byte
	err := pins.ForEach(func(k, v []byte) error {
		if v == nil {
			owners = append(owners, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if err := fn(owner, pins.Bucket(owner)); err != nil {
			return err
		}
	}
	return nil
}

func addCount(pins *bbolt.Bucket, owner string, d Digest, delta int) error {
	if delta == 0 {
		return nil
	}
	held := pins.Bucket([]byte(owner))
	if held == nil {
		if delta < 0 {
			return nil
		}
		var err error
		if held, err = pins.CreateBucket([]byte(owner)); err != nil {
			return fmt.Errorf("create pins of %s: %w", owner, err)
		}
	}
	n := delta
	if raw := held.Get(d[:]); len(raw) == 8 {
		n += int(binary.BigEndian.Uint64(raw))
	}
	if n <= 0 {
		return held.Delete(d[:])
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return held.Put(d[:], buf[:])
}

func deleteOwnerPins(pins *bbolt.Bucket, owner []byte) error {
	if pins.Bucket(owner) == nil {
		return nil
	}
	return pins.DeleteBucket(owner)
}

// dropUnownedPins removes flat digest counts written before pins were
// kept per owner.
func dropUnownedPins(pins *bbolt.Bucket) error {
	var flat [][]byte
	err := pins.ForEach(func(k, v []byte) error {
		if v != nil {
			flat = append(flat, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range flat {
		if err := pins.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
