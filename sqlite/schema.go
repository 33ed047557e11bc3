package sqlite

// SchemaSQL creates the issue table. Lifecycle values are guarded by CHECK
// constraints so a record can never hold a status or failure reason outside
// the declared contract, even if written by another process.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('NEW', 'ANALYZING', 'RESOLVED', 'FAILED')),
    source TEXT NOT NULL DEFAULT 'api',
    error_message TEXT,
    stack_trace TEXT,
    event_transaction_id TEXT,
    metadata TEXT,
    solution TEXT,
    failure_reason TEXT CHECK (failure_reason IS NULL OR failure_reason IN ('worker_timeout', 'cancelled', 'analysis_error')),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_created_at ON issues(created_at);
`
