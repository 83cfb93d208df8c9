// Package boltstore is a storage backend on a bbolt key-value file.
//
// Each mailbox is a bucket holding its metadata record and two
// sub-buckets keyed by big-endian UID: message records and message
// content. bbolt locks the file, so a store belongs to one process.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sort"
	"time"

	"crawshaw.io/iox"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/seqgen"
)

var (
	bucketMailboxes = []byte("mailboxes")
	bucketMeta      = []byte("meta") // store-wide: the UIDValidity sequence
	keyMailbox      = []byte("mailbox")
	bucketMsgs      = []byte("msgs")
	bucketContent   = []byte("content")
)

type Store struct {
	db    *bolt.DB
	filer *iox.Filer
	log   *zap.Logger
	seq   *seqgen.Sequencer
}

var _ backend.Backend = (*Store)(nil)

// mailboxRecord is the value under keyMailbox in a mailbox bucket.
type mailboxRecord struct {
	ID          string
	Path        mailbox.Path
	UIDValidity uint32
	LastUID     uint64
	LastModSeq  uint64
	NumMessages uint32
}

type msgRecord struct {
	ModSeq uint64
	Flags  []string
	Date   int64 // unix nanoseconds
	Size   int64
	HdrLen int64
}

// Open opens or creates the store in dbfile.
// A nil locker uses the process-wide seqgen.Local locker.
func Open(dbfile string, filer *iox.Filer, locker seqgen.Locker, log *zap.Logger) (*Store, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bolt.Open(dbfile, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "boltstore.Open(%q)", dbfile)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMailboxes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "boltstore.Open(%q)", dbfile)
	}
	s := &Store{db: db, filer: filer, log: log.Named("boltstore")}
	s.seq = seqgen.New(s, locker, s.log)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Sequences() seqgen.Provider { return s.seq }

func uidKey(uid mailbox.UID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(uid))
	return b[:]
}

func mailboxBucket(tx *bolt.Tx, path mailbox.Path) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketMailboxes).Bucket([]byte(path.Key()))
	if b == nil {
		return nil, mailbox.NotFoundf("boltstore: no mailbox %s", path)
	}
	return b, nil
}

func readMailbox(b *bolt.Bucket) (rec mailboxRecord, err error) {
	err = json.Unmarshal(b.Get(keyMailbox), &rec)
	return rec, err
}

func writeMailbox(b *bolt.Bucket, rec mailboxRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(keyMailbox, data)
}

// countMessages adjusts the message count of the mailbox in b.
func countMessages(b *bolt.Bucket, delta int) error {
	rec, err := readMailbox(b)
	if err != nil {
		return err
	}
	rec.NumMessages = uint32(int(rec.NumMessages) + delta)
	return writeMailbox(b, rec)
}

func (rec mailboxRecord) info() mailbox.Info {
	return mailbox.Info{
		Path:          rec.Path,
		ID:            rec.ID,
		UIDValidity:   rec.UIDValidity,
		LastKnownUID:  mailbox.UID(rec.LastUID),
		HighestModSeq: mailbox.ModSeq(rec.LastModSeq),
		NumMessages:   rec.NumMessages,
	}
}

// classify keeps error classes and marks everything else a backend failure.
func classify(err error, format string, args ...interface{}) error {
	return mailbox.Backendf(err, format, args...)
}

func (s *Store) LoadCounter(ctx context.Context, path mailbox.Path, kind seqgen.Kind) (val uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		rec, err := readMailbox(b)
		if err != nil {
			return err
		}
		val = rec.LastModSeq
		if kind == seqgen.UIDCounter {
			val = rec.LastUID
		}
		return nil
	})
	return val, classify(err, "boltstore.LoadCounter(%s, %s)", path, kind)
}

func (s *Store) StoreCounter(ctx context.Context, path mailbox.Path, kind seqgen.Kind, value uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		rec, err := readMailbox(b)
		if err != nil {
			return err
		}
		if kind == seqgen.UIDCounter {
			rec.LastUID = value
		} else {
			rec.LastModSeq = value
		}
		return writeMailbox(b, rec)
	})
	return classify(err, "boltstore.StoreCounter(%s, %s)", path, kind)
}

func nextUIDValidity(tx *bolt.Tx) (uint32, error) {
	n, err := tx.Bucket(bucketMeta).NextSequence()
	if err != nil {
		return 0, err
	}
	return uint32(n) + 42, nil
}

func (s *Store) Create(ctx context.Context, path mailbox.Path) (info mailbox.Info, err error) {
	if err := path.Valid(); err != nil {
		return mailbox.Info{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketMailboxes)
		if root.Bucket([]byte(path.Key())) != nil {
			return mailbox.Conflictf("boltstore: mailbox %s exists", path)
		}
		b, err := root.CreateBucket([]byte(path.Key()))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucket(bucketMsgs); err != nil {
			return err
		}
		if _, err := b.CreateBucket(bucketContent); err != nil {
			return err
		}
		validity, err := nextUIDValidity(tx)
		if err != nil {
			return err
		}
		rec := mailboxRecord{
			ID:          uuid.New().String(),
			Path:        path,
			UIDValidity: validity,
		}
		if err := writeMailbox(b, rec); err != nil {
			return err
		}
		info = rec.info()
		return nil
	})
	if err != nil {
		return mailbox.Info{}, classify(err, "boltstore.Create(%s)", path)
	}
	s.log.Debug("created mailbox", zap.Stringer("mailbox", path), zap.String("id", info.ID))
	return info, nil
}

func (s *Store) Info(ctx context.Context, path mailbox.Path) (info mailbox.Info, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		rec, err := readMailbox(b)
		if err != nil {
			return err
		}
		info = rec.info()
		return nil
	})
	return info, classify(err, "boltstore.Info(%s)", path)
}

func (s *Store) List(ctx context.Context, owner string) (infos []mailbox.Info, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMailboxes).ForEach(func(k, v []byte) error {
			b := tx.Bucket(bucketMailboxes).Bucket(k)
			if b == nil {
				return nil
			}
			rec, err := readMailbox(b)
			if err != nil {
				return err
			}
			if rec.Path.Owner == owner {
				infos = append(infos, rec.info())
			}
			return nil
		})
	})
	if err != nil {
		return nil, classify(err, "boltstore.List(%q)", owner)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path.Name < infos[j].Path.Name })
	return infos, nil
}

func (s *Store) Rename(ctx context.Context, oldPath, newPath mailbox.Path) error {
	if err := newPath.Valid(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketMailboxes)
		src, err := mailboxBucket(tx, oldPath)
		if err != nil {
			return err
		}
		if root.Bucket([]byte(newPath.Key())) != nil {
			return mailbox.Conflictf("boltstore: mailbox %s exists", newPath)
		}
		dst, err := root.CreateBucket([]byte(newPath.Key()))
		if err != nil {
			return err
		}
		if err := copyBucket(dst, src); err != nil {
			return err
		}
		if err := root.DeleteBucket([]byte(oldPath.Key())); err != nil {
			return err
		}

		rec, err := readMailbox(dst)
		if err != nil {
			return err
		}
		rec.Path = newPath
		if rec.UIDValidity, err = nextUIDValidity(tx); err != nil {
			return err
		}
		return writeMailbox(dst, rec)
	})
	return classify(err, "boltstore.Rename(%s, %s)", oldPath, newPath)
}

func copyBucket(dst, src *bolt.Bucket) error {
	return src.ForEach(func(k, v []byte) error {
		if v != nil {
			return dst.Put(k, v)
		}
		child, err := dst.CreateBucket(k)
		if err != nil {
			return err
		}
		return copyBucket(child, src.Bucket(k))
	})
}

func (s *Store) DeleteMailbox(ctx context.Context, path mailbox.Path) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := mailboxBucket(tx, path); err != nil {
			return err
		}
		return tx.Bucket(bucketMailboxes).DeleteBucket([]byte(path.Key()))
	})
	return classify(err, "boltstore.DeleteMailbox(%s)", path)
}

func (s *Store) Append(ctx context.Context, path mailbox.Path, content io.Reader, flags mailbox.Flags, date time.Time) (mailbox.UID, error) {
	buf, hdrLen, err := backend.Spool(s.filer, content)
	if err != nil {
		return 0, classify(err, "boltstore.Append(%s)", path)
	}
	data, err := backend.ReadAll(buf, buf.Size())
	buf.Close()
	if err != nil {
		return 0, classify(err, "boltstore.Append(%s)", path)
	}

	uid, modSeq, err := s.seq.Next(ctx, path)
	if err != nil {
		return 0, err
	}
	rec := msgRecord{
		ModSeq: uint64(modSeq),
		Flags:  mailbox.NewFlags(flags...),
		Date:   date.UnixNano(),
		Size:   int64(len(data)),
		HdrLen: hdrLen,
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		if err := putMsg(b, uid, rec); err != nil {
			return err
		}
		if err := countMessages(b, +1); err != nil {
			return err
		}
		return b.Bucket(bucketContent).Put(uidKey(uid), data)
	})
	if err != nil {
		return 0, classify(err, "boltstore.Append(%s)", path)
	}
	return uid, nil
}

func putMsg(b *bolt.Bucket, uid mailbox.UID, rec msgRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Bucket(bucketMsgs).Put(uidKey(uid), v)
}

func getMsg(b *bolt.Bucket, path mailbox.Path, uid mailbox.UID) (rec msgRecord, err error) {
	v := b.Bucket(bucketMsgs).Get(uidKey(uid))
	if v == nil {
		return rec, mailbox.NotFoundf("boltstore: no message %d in %s", uid, path)
	}
	err = json.Unmarshal(v, &rec)
	return rec, err
}

func (s *Store) msgExists(path mailbox.Path, uid mailbox.UID) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		_, err = getMsg(b, path, uid)
		return err
	})
	return classify(err, "boltstore(%s)", path)
}

func (s *Store) Delete(ctx context.Context, path mailbox.Path, uid mailbox.UID) error {
	if err := s.msgExists(path, uid); err != nil {
		return err
	}
	if _, err := s.seq.NextModSeq(ctx, path); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		if _, err := getMsg(b, path, uid); err != nil {
			return err
		}
		if err := b.Bucket(bucketMsgs).Delete(uidKey(uid)); err != nil {
			return err
		}
		if err := countMessages(b, -1); err != nil {
			return err
		}
		return b.Bucket(bucketContent).Delete(uidKey(uid))
	})
	return classify(err, "boltstore.Delete(%s, %d)", path, uid)
}

func (s *Store) SetFlags(ctx context.Context, path mailbox.Path, uid mailbox.UID, flags mailbox.Flags) (mailbox.ModSeq, error) {
	if err := s.msgExists(path, uid); err != nil {
		return 0, err
	}
	modSeq, err := s.seq.NextModSeq(ctx, path)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		rec, err := getMsg(b, path, uid)
		if err != nil {
			return err
		}
		rec.Flags = mailbox.NewFlags(flags...)
		rec.ModSeq = uint64(modSeq)
		return putMsg(b, uid, rec)
	})
	if err != nil {
		return 0, classify(err, "boltstore.SetFlags(%s, %d)", path, uid)
	}
	return modSeq, nil
}

func (s *Store) Scan(ctx context.Context, path mailbox.Path, r msgrange.Range, depth backend.FetchDepth, fn func(mailbox.Message) error) error {
	after := mailbox.UID(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.scanBatch(path, r, after, depth)
		if err != nil {
			return classify(err, "boltstore.Scan(%s, %s)", path, r)
		}
		for _, msg := range batch {
			if err := fn(msg); err != nil {
				return err
			}
		}
		if len(batch) == 0 || r.BatchSize() == 0 || len(batch) < r.BatchSize() {
			return nil
		}
		after = batch[len(batch)-1].UID
	}
}

func (s *Store) scanBatch(path mailbox.Path, r msgrange.Range, after mailbox.UID, depth backend.FetchDepth) (batch []mailbox.Message, err error) {
	lo := r.Lowest()
	if after >= lo {
		lo = after + 1
	}
	hi, ok := r.To()
	if !ok {
		hi = mailbox.MaxUID
	}
	hiKey := uidKey(hi)

	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, path)
		if err != nil {
			return err
		}
		content := b.Bucket(bucketContent)
		c := b.Bucket(bucketMsgs).Cursor()
		for k, v := c.Seek(uidKey(lo)); k != nil && bytes.Compare(k, hiKey) <= 0; k, v = c.Next() {
			var rec msgRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			uid := mailbox.UID(binary.BigEndian.Uint64(k))
			msg := mailbox.Message{
				UID:          uid,
				ModSeq:       mailbox.ModSeq(rec.ModSeq),
				Flags:        mailbox.NewFlags(rec.Flags...),
				Size:         rec.Size,
				InternalDate: time.Unix(0, rec.Date),
			}
			if depth != backend.FetchMetadata {
				// Values are only valid inside the transaction.
				data := backend.Slice(content.Get(k), rec.HdrLen, depth)
				msg.Content = append([]byte(nil), data...)
			}
			batch = append(batch, msg)
			if n := r.BatchSize(); n > 0 && len(batch) == n {
				break
			}
		}
		return nil
	})
	return batch, err
}
