package db

// Schema is the DDL for the routedeck database.
const Schema = `
CREATE TABLE IF NOT EXISTS aliases (
    id                  TEXT PRIMARY KEY,
    email_address       TEXT NOT NULL,
    website             TEXT,
    notes               TEXT,
    created             TEXT,
    cloudflare_tag      TEXT,
    is_enabled          INTEGER DEFAULT 1,
    sort_index          INTEGER DEFAULT 0,
    forward_to          TEXT,
    zone_id             TEXT NOT NULL,
    action_type         TEXT DEFAULT 'forward',
    is_logged_out       INTEGER DEFAULT 0,
    is_manually_created INTEGER DEFAULT 0,
    mirror_disabled     INTEGER DEFAULT 0,
    user_identifier     TEXT,
    inserted_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS zones (
    zone_id             TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL,
    account_name        TEXT,
    domain_name         TEXT NOT NULL,
    subdomains_enabled  INTEGER DEFAULT 0,
    subdomains          TEXT
);

CREATE INDEX IF NOT EXISTS idx_aliases_address ON aliases(email_address);
CREATE INDEX IF NOT EXISTS idx_aliases_zone ON aliases(zone_id);
CREATE INDEX IF NOT EXISTS idx_aliases_sort ON aliases(sort_index);
`
