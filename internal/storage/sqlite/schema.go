package sqlite

const schema = `
-- Elements table: one row per element, variant payload in a JSON column
CREATE TABLE IF NOT EXISTS elements (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    content_hash TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by TEXT DEFAULT '',
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_elements_type ON elements(type);
CREATE INDEX IF NOT EXISTS idx_elements_created_at ON elements(created_at);
CREATE INDEX IF NOT EXISTS idx_elements_deleted_at ON elements(deleted_at);
-- JSON-extracted hot paths for the scheduler and filters
CREATE INDEX IF NOT EXISTS idx_elements_status ON elements(json_extract(data, '$.status'));
CREATE INDEX IF NOT EXISTS idx_elements_assignee ON elements(json_extract(data, '$.assignee'));
CREATE INDEX IF NOT EXISTS idx_elements_entity_name ON elements(json_extract(data, '$.name')) WHERE type = 'entity';
CREATE INDEX IF NOT EXISTS idx_elements_channel ON elements(json_extract(data, '$.channel_id')) WHERE type = 'message';

-- Tags table
CREATE TABLE IF NOT EXISTS tags (
    element_id TEXT NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY (element_id, tag),
    FOREIGN KEY (element_id) REFERENCES elements(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);

-- Dependencies table: typed directed edges (blocked, blocker, type)
CREATE TABLE IF NOT EXISTS dependencies (
    blocked_id TEXT NOT NULL,
    blocker_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'blocks',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by TEXT NOT NULL DEFAULT '',
    metadata TEXT DEFAULT '{}',
    PRIMARY KEY (blocked_id, blocker_id, type),
    FOREIGN KEY (blocked_id) REFERENCES elements(id) ON DELETE CASCADE,
    FOREIGN KEY (blocker_id) REFERENCES elements(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_dependencies_blocked ON dependencies(blocked_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_blocker ON dependencies(blocker_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_blocker_type ON dependencies(blocker_id, type);

-- Events table: append-only journal
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    element_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT DEFAULT '',
    old_value TEXT,
    new_value TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_element ON events(element_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

-- Document version snapshots: dense monotonic sequence per document
CREATE TABLE IF NOT EXISTS document_versions (
    id TEXT NOT NULL,
    version INTEGER NOT NULL,
    data TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id, version)
);

-- Blocked-state cache: element_id present iff currently blocked
CREATE TABLE IF NOT EXISTS blocked_cache (
    element_id TEXT PRIMARY KEY,
    blocked_by TEXT NOT NULL DEFAULT '[]',
    reason TEXT DEFAULT '',
    prior_status TEXT DEFAULT ''
);

-- Inbox items
CREATE TABLE IF NOT EXISTS inbox_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    read_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_inbox_recipient ON inbox_items(recipient_id, created_at);
CREATE INDEX IF NOT EXISTS idx_inbox_message ON inbox_items(message_id);

-- Atomic per-parent counters for hierarchical child ids
CREATE TABLE IF NOT EXISTS child_counters (
    parent_id TEXT PRIMARY KEY,
    next_n INTEGER NOT NULL DEFAULT 1
);

-- Dirty tracking for external sync consumers
CREATE TABLE IF NOT EXISTS dirty_elements (
    element_id TEXT PRIMARY KEY,
    marked_at INTEGER NOT NULL
);

-- Engine key-value config
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
