// Package sqlitestore is a storage backend on a single SQLite file.
//
// Any number of processes may open the same file. UID and mod-sequence
// allocation is serialized between them by a lease Locker kept in the
// database itself.
package sqlitestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/seqgen"
)

type Options struct {
	// PoolSize is the number of connections. One is used for writes,
	// the rest for reads. Zero means 4.
	PoolSize int

	Filer *iox.Filer
	Log   *zap.Logger

	// Locker serializes sequence allocation.
	// Nil means the store's lease Locker, which excludes other
	// processes sharing the database file.
	Locker seqgen.Locker
}

type Store struct {
	PoolRO *sqlitex.Pool
	PoolRW *sqlitex.Pool

	filer  *iox.Filer
	log    *zap.Logger
	locker *Locker
	seq    *seqgen.Sequencer
}

var _ backend.Backend = (*Store)(nil)

// Open opens or creates the store in dbfile.
func Open(dbfile string, opts Options) (_ *Store, err error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Filer == nil {
		opts.Filer = iox.NewFiler(0)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	s := &Store{
		filer: opts.Filer,
		log:   opts.Log.Named("sqlitestore"),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	flags := sqlite.SQLITE_OPEN_WAL |
		sqlite.SQLITE_OPEN_URI |
		sqlite.SQLITE_OPEN_NOMUTEX
	flagsRW := flags | sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE

	s.PoolRW, err = sqlitex.Open(dbfile, flagsRW, 1)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open(%q): %v", dbfile, err)
	}
	if err := setBusyTimeout(s.PoolRW, 1); err != nil {
		return nil, fmt.Errorf("sqlitestore.Open(%q): %v", dbfile, err)
	}
	conn := s.PoolRW.Get(nil)
	err = initDB(conn)
	s.PoolRW.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open(%q): init DB: %v", dbfile, err)
	}

	if opts.PoolSize > 1 {
		flagsRO := flags | sqlite.SQLITE_OPEN_READONLY
		s.PoolRO, err = sqlitex.Open(dbfile, flagsRO, opts.PoolSize-1)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore.Open(%q): %v", dbfile, err)
		}
		if err := setBusyTimeout(s.PoolRO, opts.PoolSize-1); err != nil {
			return nil, fmt.Errorf("sqlitestore.Open(%q): %v", dbfile, err)
		}
	} else {
		s.PoolRO = s.PoolRW
	}

	s.locker = NewLocker(s.PoolRW, s.log)
	var locker seqgen.Locker = s.locker
	if opts.Locker != nil {
		locker = opts.Locker
	}
	s.seq = seqgen.New(s, locker, s.log)
	return s, nil
}

// setBusyTimeout makes every connection of pool wait for other
// processes' write locks instead of failing at once.
func setBusyTimeout(pool *sqlitex.Pool, poolSize int) error {
	var conns []*sqlite.Conn
	defer func() {
		for _, conn := range conns {
			pool.Put(conn)
		}
	}()
	for i := 0; i < poolSize; i++ {
		conn := pool.Get(nil)
		if conn == nil {
			return fmt.Errorf("cannot get connection %d", i)
		}
		conns = append(conns, conn)
		conn.SetBusyTimeout(10 * time.Second)
	}
	return nil
}

func initDB(conn *sqlite.Conn) (err error) {
	stmt, _, err := conn.PrepareTransient("PRAGMA journal_mode=WAL;")
	if err != nil {
		return err
	}
	_, err = stmt.Step()
	stmt.Finalize()
	if err != nil {
		return err
	}

	defer sqlitex.Save(conn)(&err)
	return sqlitex.ExecScript(conn, createSQL)
}

func (s *Store) Close() (err error) {
	if s.PoolRW != nil {
		err = s.PoolRW.Close()
	}
	if s.PoolRO != nil && s.PoolRW != s.PoolRO {
		if cerr := s.PoolRO.Close(); err == nil {
			err = cerr
		}
	}
	s.PoolRW = nil
	s.PoolRO = nil
	return err
}

func (s *Store) Sequences() seqgen.Provider { return s.seq }

// Locker is the store's cross-process lease Locker.
func (s *Store) Locker() *Locker { return s.locker }

func getConn(ctx context.Context, pool *sqlitex.Pool) (*sqlite.Conn, error) {
	if pool == nil {
		return nil, mailbox.Backendf(fmt.Errorf("store closed"), "sqlitestore")
	}
	conn := pool.Get(ctx)
	if conn == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
	return conn, nil
}

func bindPath(stmt *sqlite.Stmt, path mailbox.Path) {
	stmt.SetText("$namespace", path.Namespace)
	stmt.SetText("$owner", path.Owner)
	stmt.SetText("$name", path.Name)
}

// mailboxID resolves path. It fails with mailbox.ErrNotFound.
func mailboxID(conn *sqlite.Conn, path mailbox.Path) (id int64, err error) {
	stmt := conn.Prep(`SELECT MailboxID FROM Mailboxes
		WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	bindPath(stmt, path)
	found := false
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return 0, err
		}
		if !hasNext {
			break
		}
		id, found = stmt.GetInt64("MailboxID"), true
	}
	if !found {
		return 0, mailbox.NotFoundf("sqlitestore: no mailbox %s", path)
	}
	return id, nil
}

func (s *Store) LoadCounter(ctx context.Context, path mailbox.Path, kind seqgen.Kind) (uint64, error) {
	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return 0, err
	}
	defer s.PoolRW.Put(conn)

	var stmt *sqlite.Stmt
	if kind == seqgen.UIDCounter {
		stmt = conn.Prep(`SELECT LastUID AS Value FROM Mailboxes
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	} else {
		stmt = conn.Prep(`SELECT LastModSeq AS Value FROM MailboxSequencing
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	}
	bindPath(stmt, path)
	var val int64
	found := false
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return 0, mailbox.Backendf(err, "sqlitestore.LoadCounter(%s, %s)", path, kind)
		}
		if !hasNext {
			break
		}
		val, found = stmt.GetInt64("Value"), true
	}
	if !found {
		return 0, mailbox.NotFoundf("sqlitestore: no mailbox %s", path)
	}
	return uint64(val), nil
}

func (s *Store) StoreCounter(ctx context.Context, path mailbox.Path, kind seqgen.Kind, value uint64) error {
	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return err
	}
	defer s.PoolRW.Put(conn)

	var stmt *sqlite.Stmt
	if kind == seqgen.UIDCounter {
		stmt = conn.Prep(`UPDATE Mailboxes SET LastUID = $value
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	} else {
		stmt = conn.Prep(`UPDATE MailboxSequencing SET LastModSeq = $value
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	}
	bindPath(stmt, path)
	stmt.SetInt64("$value", int64(value))
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.StoreCounter(%s, %s)", path, kind)
	}
	if conn.Changes() == 0 {
		return mailbox.NotFoundf("sqlitestore: no mailbox %s", path)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, path mailbox.Path) (mailbox.Info, error) {
	if err := path.Valid(); err != nil {
		return mailbox.Info{}, err
	}
	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return mailbox.Info{}, err
	}
	defer s.PoolRW.Put(conn)

	if err := createMailbox(conn, path); err != nil {
		return mailbox.Info{}, err
	}
	s.log.Debug("created mailbox", zap.Stringer("mailbox", path))
	return loadInfo(conn, path)
}

func createMailbox(conn *sqlite.Conn, path mailbox.Path) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`INSERT INTO Mailboxes (
			MailboxID, Namespace, Owner, Name, UIDValidity, LastUID
		) VALUES (
			$id, $namespace, $owner, $name,
			coalesce((SELECT max(UIDValidity) FROM Mailboxes), 42) + 1,
			0);`)
	bindPath(stmt, path)
	if _, err := sqlitex.InsertRandID(stmt, "$id", 1, 1<<23); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return mailbox.Conflictf("sqlitestore.Create(%s): exists", path)
		}
		return mailbox.Backendf(err, "sqlitestore.Create(%s)", path)
	}

	stmt = conn.Prep(`INSERT OR IGNORE INTO MailboxSequencing
		(Namespace, Owner, Name, LastModSeq) VALUES ($namespace, $owner, $name, 0);`)
	bindPath(stmt, path)
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.Create(%s)", path)
	}
	return nil
}

func (s *Store) Info(ctx context.Context, path mailbox.Path) (mailbox.Info, error) {
	conn, err := getConn(ctx, s.PoolRO)
	if err != nil {
		return mailbox.Info{}, err
	}
	defer s.PoolRO.Put(conn)
	return loadInfo(conn, path)
}

const infoColumns = `MailboxID, Namespace, Owner, Name, UIDValidity, LastUID,
	(SELECT LastModSeq FROM MailboxSequencing AS q
		WHERE q.Namespace = m.Namespace AND q.Owner = m.Owner AND q.Name = m.Name) AS LastModSeq,
	(SELECT count(*) FROM Msgs WHERE Msgs.MailboxID = m.MailboxID) AS NumMessages`

func scanInfo(stmt *sqlite.Stmt) mailbox.Info {
	return mailbox.Info{
		Path: mailbox.Path{
			Namespace: stmt.GetText("Namespace"),
			Owner:     stmt.GetText("Owner"),
			Name:      stmt.GetText("Name"),
		},
		ID:            strconv.FormatInt(stmt.GetInt64("MailboxID"), 10),
		UIDValidity:   uint32(stmt.GetInt64("UIDValidity")),
		LastKnownUID:  mailbox.UID(stmt.GetInt64("LastUID")),
		HighestModSeq: mailbox.ModSeq(stmt.GetInt64("LastModSeq")),
		NumMessages:   uint32(stmt.GetInt64("NumMessages")),
	}
}

func loadInfo(conn *sqlite.Conn, path mailbox.Path) (info mailbox.Info, err error) {
	stmt := conn.Prep(`SELECT ` + infoColumns + ` FROM Mailboxes AS m
		WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	bindPath(stmt, path)
	found := false
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return mailbox.Info{}, mailbox.Backendf(err, "sqlitestore.Info(%s)", path)
		}
		if !hasNext {
			break
		}
		info, found = scanInfo(stmt), true
	}
	if !found {
		return mailbox.Info{}, mailbox.NotFoundf("sqlitestore: no mailbox %s", path)
	}
	return info, nil
}

func (s *Store) List(ctx context.Context, owner string) (infos []mailbox.Info, err error) {
	conn, err := getConn(ctx, s.PoolRO)
	if err != nil {
		return nil, err
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT ` + infoColumns + ` FROM Mailboxes AS m
		WHERE Owner = $owner AND Name IS NOT NULL ORDER BY Name;`)
	stmt.SetText("$owner", owner)
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, mailbox.Backendf(err, "sqlitestore.List(%q)", owner)
		}
		if !hasNext {
			break
		}
		infos = append(infos, scanInfo(stmt))
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Path.Name < infos[j].Path.Name })
	return infos, nil
}

func (s *Store) Rename(ctx context.Context, oldPath, newPath mailbox.Path) error {
	if err := newPath.Valid(); err != nil {
		return err
	}
	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return err
	}
	defer s.PoolRW.Put(conn)
	return renameMailbox(conn, oldPath, newPath)
}

func renameMailbox(conn *sqlite.Conn, oldPath, newPath mailbox.Path) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`UPDATE Mailboxes
		SET Namespace = $newNamespace, Owner = $newOwner, Name = $newName
		WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	bindPath(stmt, oldPath)
	stmt.SetText("$newNamespace", newPath.Namespace)
	stmt.SetText("$newOwner", newPath.Owner)
	stmt.SetText("$newName", newPath.Name)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return mailbox.Conflictf("sqlitestore.Rename(%s, %s): destination exists", oldPath, newPath)
		}
		return mailbox.Backendf(err, "sqlitestore.Rename(%s, %s)", oldPath, newPath)
	}
	if conn.Changes() == 0 {
		return mailbox.NotFoundf("sqlitestore: no mailbox %s", oldPath)
	}

	// The new name must never reissue a mod-sequence of the old one.
	stmt = conn.Prep(`INSERT OR IGNORE INTO MailboxSequencing
		(Namespace, Owner, Name, LastModSeq) VALUES ($namespace, $owner, $name, 0);`)
	bindPath(stmt, newPath)
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.Rename(%s, %s)", oldPath, newPath)
	}
	stmt = conn.Prep(`UPDATE MailboxSequencing
		SET LastModSeq = max(LastModSeq, (SELECT LastModSeq FROM MailboxSequencing
			WHERE Namespace = $oldNamespace AND Owner = $oldOwner AND Name = $oldName))
		WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	bindPath(stmt, newPath)
	stmt.SetText("$oldNamespace", oldPath.Namespace)
	stmt.SetText("$oldOwner", oldPath.Owner)
	stmt.SetText("$oldName", oldPath.Name)
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.Rename(%s, %s)", oldPath, newPath)
	}
	return nil
}

func (s *Store) DeleteMailbox(ctx context.Context, path mailbox.Path) error {
	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return err
	}
	defer s.PoolRW.Put(conn)
	return deleteMailbox(conn, path)
}

func deleteMailbox(conn *sqlite.Conn, path mailbox.Path) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM MsgContents WHERE BlobID IN (
		SELECT BlobID FROM Msgs WHERE MailboxID IN (
			SELECT MailboxID FROM Mailboxes
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name));`)
	bindPath(stmt, path)
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.DeleteMailbox(%s)", path)
	}
	stmt = conn.Prep(`DELETE FROM Msgs WHERE MailboxID IN (
		SELECT MailboxID FROM Mailboxes
		WHERE Namespace = $namespace AND Owner = $owner AND Name = $name);`)
	bindPath(stmt, path)
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.DeleteMailbox(%s)", path)
	}
	stmt = conn.Prep(`UPDATE Mailboxes SET DeletedName = Name, Name = NULL
		WHERE Namespace = $namespace AND Owner = $owner AND Name = $name;`)
	bindPath(stmt, path)
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.DeleteMailbox(%s)", path)
	}
	if conn.Changes() == 0 {
		return mailbox.NotFoundf("sqlitestore: no mailbox %s", path)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, path mailbox.Path, content io.Reader, flags mailbox.Flags, date time.Time) (mailbox.UID, error) {
	data, hdrLen, err := backend.Spool(s.filer, content)
	if err != nil {
		return 0, mailbox.Backendf(err, "sqlitestore.Append(%s)", path)
	}
	defer data.Close()

	uid, modSeq, err := s.seq.Next(ctx, path)
	if err != nil {
		return 0, err
	}

	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return 0, err
	}
	defer s.PoolRW.Put(conn)

	id, err := mailboxID(conn, path)
	if err != nil {
		return 0, err
	}
	msg := mailbox.Message{
		UID:          uid,
		ModSeq:       modSeq,
		Flags:        mailbox.NewFlags(flags...),
		InternalDate: date,
	}
	if err := insertMsg(conn, id, msg, data, hdrLen); err != nil {
		return 0, mailbox.Backendf(err, "sqlitestore.Append(%s)", path)
	}
	return uid, nil
}

func insertMsg(conn *sqlite.Conn, mailboxID int64, msg mailbox.Message, data *iox.BufferFile, hdrLen int64) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep("INSERT INTO MsgContents (Content) VALUES ($content);")
	stmt.SetZeroBlob("$content", data.Size())
	if _, err := stmt.Step(); err != nil {
		return err
	}
	blobID := conn.LastInsertRowID()

	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return err
	}
	blob, err := conn.OpenBlob("", "MsgContents", "Content", blobID, true)
	if err != nil {
		return err
	}
	_, err = io.Copy(blob, data)
	if clErr := blob.Close(); err == nil {
		err = clErr
	}
	if err != nil {
		return err
	}

	flagsBuf := new(bytes.Buffer)
	encodeFlags(flagsBuf, msg.Flags)

	stmt = conn.Prep(`INSERT INTO Msgs (
			MailboxID, UID, ModSequence, Flags, Date, EncodedSize, HdrLen, BlobID
		) VALUES (
			$mailboxID, $uid, $modSeq, $flags, $date, $size, $hdrLen, $blobID
		);`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$uid", int64(msg.UID))
	stmt.SetInt64("$modSeq", int64(msg.ModSeq))
	stmt.SetText("$flags", flagsBuf.String())
	stmt.SetInt64("$date", msg.InternalDate.Unix())
	stmt.SetInt64("$size", data.Size())
	stmt.SetInt64("$hdrLen", hdrLen)
	stmt.SetInt64("$blobID", blobID)
	_, err = stmt.Step()
	return err
}

// msgExists reports whether message uid is in path.
func (s *Store) msgExists(ctx context.Context, path mailbox.Path, uid mailbox.UID) error {
	conn, err := getConn(ctx, s.PoolRO)
	if err != nil {
		return err
	}
	defer s.PoolRO.Put(conn)

	id, err := mailboxID(conn, path)
	if err != nil {
		return err
	}
	stmt := conn.Prep(`SELECT count(*) FROM Msgs WHERE MailboxID = $mailboxID AND UID = $uid;`)
	stmt.SetInt64("$mailboxID", id)
	stmt.SetInt64("$uid", int64(uid))
	n, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return mailbox.Backendf(err, "sqlitestore(%s)", path)
	}
	if n == 0 {
		return mailbox.NotFoundf("sqlitestore: no message %d in %s", uid, path)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path mailbox.Path, uid mailbox.UID) error {
	if err := s.msgExists(ctx, path, uid); err != nil {
		return err
	}
	if _, err := s.seq.NextModSeq(ctx, path); err != nil {
		return err
	}

	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return err
	}
	defer s.PoolRW.Put(conn)
	return deleteMsg(conn, path, uid)
}

func deleteMsg(conn *sqlite.Conn, path mailbox.Path, uid mailbox.UID) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM MsgContents WHERE BlobID IN (
		SELECT BlobID FROM Msgs
		WHERE UID = $uid AND MailboxID IN (
			SELECT MailboxID FROM Mailboxes
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name));`)
	bindPath(stmt, path)
	stmt.SetInt64("$uid", int64(uid))
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.Delete(%s, %d)", path, uid)
	}
	stmt = conn.Prep(`DELETE FROM Msgs
		WHERE UID = $uid AND MailboxID IN (
			SELECT MailboxID FROM Mailboxes
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name);`)
	bindPath(stmt, path)
	stmt.SetInt64("$uid", int64(uid))
	if _, err := stmt.Step(); err != nil {
		return mailbox.Backendf(err, "sqlitestore.Delete(%s, %d)", path, uid)
	}
	if conn.Changes() == 0 {
		return mailbox.NotFoundf("sqlitestore: no message %d in %s", uid, path)
	}
	return nil
}

func (s *Store) SetFlags(ctx context.Context, path mailbox.Path, uid mailbox.UID, flags mailbox.Flags) (mailbox.ModSeq, error) {
	if err := s.msgExists(ctx, path, uid); err != nil {
		return 0, err
	}
	modSeq, err := s.seq.NextModSeq(ctx, path)
	if err != nil {
		return 0, err
	}

	conn, err := getConn(ctx, s.PoolRW)
	if err != nil {
		return 0, err
	}
	defer s.PoolRW.Put(conn)

	flagsBuf := new(bytes.Buffer)
	encodeFlags(flagsBuf, mailbox.NewFlags(flags...))
	stmt := conn.Prep(`UPDATE Msgs SET Flags = $flags, ModSequence = $modSeq
		WHERE UID = $uid AND MailboxID IN (
			SELECT MailboxID FROM Mailboxes
			WHERE Namespace = $namespace AND Owner = $owner AND Name = $name);`)
	bindPath(stmt, path)
	stmt.SetInt64("$uid", int64(uid))
	stmt.SetInt64("$modSeq", int64(modSeq))
	stmt.SetText("$flags", flagsBuf.String())
	if _, err := stmt.Step(); err != nil {
		return 0, mailbox.Backendf(err, "sqlitestore.SetFlags(%s, %d)", path, uid)
	}
	if conn.Changes() == 0 {
		return 0, mailbox.NotFoundf("sqlitestore: no message %d in %s", uid, path)
	}
	return modSeq, nil
}

func (s *Store) Scan(ctx context.Context, path mailbox.Path, r msgrange.Range, depth backend.FetchDepth, fn func(mailbox.Message) error) error {
	after := mailbox.UID(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.scanBatch(ctx, path, r, after, depth)
		if err != nil {
			return err
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

func (s *Store) scanBatch(ctx context.Context, path mailbox.Path, r msgrange.Range, after mailbox.UID, depth backend.FetchDepth) (batch []mailbox.Message, err error) {
	conn, err := getConn(ctx, s.PoolRO)
	if err != nil {
		return nil, err
	}
	defer s.PoolRO.Put(conn)
	defer sqlitex.Save(conn)(&err) // one snapshot per batch

	id, err := mailboxID(conn, path)
	if err != nil {
		return nil, err
	}

	lo := r.Lowest()
	if after >= lo {
		lo = after + 1
	}
	hi, ok := r.To()
	if !ok {
		hi = mailbox.MaxUID
	}
	limit := int64(-1)
	if r.BatchSize() > 0 {
		limit = int64(r.BatchSize())
	}

	stmt := conn.Prep(`SELECT UID, ModSequence, Flags, Date, EncodedSize, HdrLen, BlobID
		FROM Msgs
		WHERE MailboxID = $mailboxID AND UID >= $lo AND UID <= $hi
		ORDER BY UID LIMIT $limit;`)
	stmt.SetInt64("$mailboxID", id)
	stmt.SetInt64("$lo", int64(lo))
	stmt.SetInt64("$hi", int64(hi))
	stmt.SetInt64("$limit", limit)

	var blobIDs, hdrLens []int64
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, mailbox.Backendf(err, "sqlitestore.Scan(%s, %s)", path, r)
		}
		if !hasNext {
			break
		}
		flags, err := decodeFlags(stmt.GetText("Flags"))
		if err != nil {
			stmt.Reset()
			return nil, mailbox.Backendf(err, "sqlitestore.Scan(%s, %s)", path, r)
		}
		batch = append(batch, mailbox.Message{
			UID:          mailbox.UID(stmt.GetInt64("UID")),
			ModSeq:       mailbox.ModSeq(stmt.GetInt64("ModSequence")),
			Flags:        flags,
			Size:         stmt.GetInt64("EncodedSize"),
			InternalDate: time.Unix(stmt.GetInt64("Date"), 0),
		})
		blobIDs = append(blobIDs, stmt.GetInt64("BlobID"))
		hdrLens = append(hdrLens, stmt.GetInt64("HdrLen"))
	}

	if depth == backend.FetchMetadata {
		return batch, nil
	}
	for i := range batch {
		n := batch[i].Size
		if depth == backend.FetchHeaders && hdrLens[i] < n {
			n = hdrLens[i]
		}
		b, err := readContent(conn, blobIDs[i], n)
		if err != nil {
			return nil, mailbox.Backendf(err, "sqlitestore.Scan(%s, %s): uid %d", path, r, batch[i].UID)
		}
		batch[i].Content = b
	}
	return batch, nil
}

func readContent(conn *sqlite.Conn, blobID, n int64) ([]byte, error) {
	blob, err := conn.OpenBlob("", "MsgContents", "Content", blobID, false)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	if size := blob.Size(); size < n {
		n = size
	}
	return backend.ReadAll(blob, n)
}

func encodeFlags(buf *bytes.Buffer, flags []string) {
	buf.WriteByte('{')
	for i, flag := range flags {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(buf, "%q: 1", flag)
	}
	buf.WriteByte('}')
}

func decodeFlags(s string) (mailbox.Flags, error) {
	m := make(map[string]int)
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("bad flags %q: %v", s, err)
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return mailbox.NewFlags(names...), nil
}
