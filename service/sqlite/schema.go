package sqlite

const schemaSQL = `
-- One conversation per (seeker, organization) pair
CREATE TABLE IF NOT EXISTS chat_conversations (
  id TEXT PRIMARY KEY,
  seeker_id TEXT NOT NULL,
  organization_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,           -- unix ms
  UNIQUE (seeker_id, organization_id)
);

CREATE INDEX IF NOT EXISTS idx_chat_conversations_seeker ON chat_conversations(seeker_id);
CREATE INDEX IF NOT EXISTS idx_chat_conversations_org ON chat_conversations(organization_id);

-- Messages. Retraction sets deleted_at but keeps body/attachment columns;
-- readers get the tombstoned form.
CREATE TABLE IF NOT EXISTS chat_messages (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  sender_id TEXT NOT NULL,
  ts INTEGER NOT NULL,                   -- unix ms
  body TEXT NOT NULL DEFAULT '',
  attachment TEXT,                       -- JSON envelope, null when absent
  reply_to TEXT,
  is_read INTEGER NOT NULL DEFAULT 0,
  is_system INTEGER NOT NULL DEFAULT 0,
  deleted_at INTEGER,
  FOREIGN KEY (conversation_id) REFERENCES chat_conversations(id)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conv_ts ON chat_messages(conversation_id, ts);

-- Per-(owner, conversation) settings rows, last write wins
CREATE TABLE IF NOT EXISTS chat_settings (
  owner_id TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  alias TEXT NOT NULL DEFAULT '',
  memo TEXT NOT NULL DEFAULT '',
  pinned INTEGER NOT NULL DEFAULT 0,
  blocked INTEGER NOT NULL DEFAULT 0,
  unread_manual INTEGER NOT NULL DEFAULT 0,
  priority TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (owner_id, conversation_id)
);
`
