package sqlitestore

import (
	"context"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

// Locker is a seqgen.Locker shared by every process using a database.
//
// A lock is a row in the Locks table. Waiters poll until the row is
// gone or its lease has expired. Lease must be longer than any
// critical section run under the lock.
type Locker struct {
	Lease time.Duration // zero means 30s
	Poll  time.Duration // zero means 5ms

	// Timeout bounds the wait for a lock. Zero means wait until
	// the context is done.
	Timeout time.Duration

	pool *sqlitex.Pool
	log  *zap.Logger
	now  func() time.Time
}

// NewLocker creates a Locker over the Locks table of pool.
func NewLocker(pool *sqlitex.Pool, log *zap.Logger) *Locker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{pool: pool, log: log, now: time.Now}
}

func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	poll := l.Poll
	if poll == 0 {
		poll = 5 * time.Millisecond
	}

	holder := uuid.New().String()
	for {
		ok, err := l.tryAcquire(ctx, key, holder)
		if err != nil {
			return mailbox.Backendf(err, "sqlitestore.Locker(%q)", key)
		}
		if ok {
			break
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return mailbox.LockUnavailablef("sqlitestore.Locker(%q): %v", key, ctx.Err())
		case <-t.C:
		}
	}
	defer func() {
		if err := l.release(key, holder); err != nil {
			l.log.Error("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn()
}

func (l *Locker) tryAcquire(ctx context.Context, key, holder string) (ok bool, err error) {
	conn := l.pool.Get(ctx)
	if conn == nil {
		return false, nil // ctx done, reported by the caller
	}
	defer l.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	lease := l.Lease
	if lease == 0 {
		lease = 30 * time.Second
	}
	now := l.now()

	stmt := conn.Prep(`DELETE FROM Locks WHERE Key = $key AND Expires < $now;`)
	stmt.SetText("$key", key)
	stmt.SetInt64("$now", now.UnixNano())
	if _, err := stmt.Step(); err != nil {
		return false, err
	}
	if conn.Changes() > 0 {
		l.log.Warn("took over expired lock", zap.String("key", key))
	}

	stmt = conn.Prep(`INSERT OR IGNORE INTO Locks (Key, Holder, Expires)
		VALUES ($key, $holder, $expires);`)
	stmt.SetText("$key", key)
	stmt.SetText("$holder", holder)
	stmt.SetInt64("$expires", now.Add(lease).UnixNano())
	if _, err := stmt.Step(); err != nil {
		return false, err
	}
	return conn.Changes() == 1, nil
}

func (l *Locker) release(key, holder string) error {
	conn := l.pool.Get(context.Background())
	if conn == nil {
		return context.Canceled
	}
	defer l.pool.Put(conn)

	stmt := conn.Prep(`DELETE FROM Locks WHERE Key = $key AND Holder = $holder;`)
	stmt.SetText("$key", key)
	stmt.SetText("$holder", holder)
	_, err := stmt.Step()
	return err
}

// held reports the number of rows in the Locks table.
func (l *Locker) held(conn *sqlite.Conn) (int64, error) {
	return sqlitex.ResultInt64(conn.Prep(`SELECT count(*) FROM Locks;`))
}
