package sqlitestore

const createSQL = `
-- SQL schema for a mail store shared by any number of processes.

PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS Mailboxes (
	MailboxID   INTEGER PRIMARY KEY,
	Namespace   TEXT NOT NULL,
	Owner       TEXT NOT NULL,
	Name        TEXT,             -- NULL once deleted
	DeletedName TEXT,             -- Name before deletion
	UIDValidity INTEGER NOT NULL, -- incremented on rename or create with old name
	LastUID     INTEGER NOT NULL, -- highest UID issued, 0 if none

	UNIQUE(Namespace, Owner, Name)
);

CREATE INDEX IF NOT EXISTS MailboxesOwner ON Mailboxes (Owner, Name);

-- Tie the mod-sequence to the mailbox path rather than MailboxID,
-- so a mailbox deleted and created again under the same name never
-- hands out a mod-sequence it has used before.
CREATE TABLE IF NOT EXISTS MailboxSequencing (
	Namespace  TEXT NOT NULL,
	Owner      TEXT NOT NULL,
	Name       TEXT NOT NULL,
	LastModSeq INTEGER NOT NULL,

	PRIMARY KEY(Namespace, Owner, Name)
);

CREATE TABLE IF NOT EXISTS MsgContents (
	BlobID  INTEGER PRIMARY KEY,
	Content BLOB
);

CREATE TABLE IF NOT EXISTS Msgs (
	MailboxID   INTEGER NOT NULL,
	UID         INTEGER NOT NULL,
	ModSequence INTEGER NOT NULL,
	Flags       TEXT NOT NULL,    -- JSON '{"flag": 1}'
	Date        INTEGER NOT NULL, -- internal date, seconds since epoch
	EncodedSize INTEGER NOT NULL,
	HdrLen      INTEGER NOT NULL, -- length of the header block in Content
	BlobID      INTEGER NOT NULL,

	PRIMARY KEY(MailboxID, UID),
	FOREIGN KEY(MailboxID) REFERENCES Mailboxes(MailboxID),
	FOREIGN KEY(BlobID) REFERENCES MsgContents(BlobID)
);

-- Locks holds leases for cross-process mutual exclusion.
-- A lease past its Expires time may be taken over by anyone.
CREATE TABLE IF NOT EXISTS Locks (
	Key     TEXT PRIMARY KEY,
	Holder  TEXT NOT NULL,
	Expires INTEGER NOT NULL -- unix nanoseconds
);

CREATE TRIGGER IF NOT EXISTS MailboxRenameUIDValidity
AFTER UPDATE OF Name ON Mailboxes
FOR EACH ROW WHEN new.Name IS NOT NULL
BEGIN
	UPDATE Mailboxes
		SET UIDValidity = (SELECT max(UIDValidity) FROM Mailboxes) + 1
		WHERE MailboxID = new.MailboxID;
END;
`
