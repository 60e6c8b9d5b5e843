package store

// users, user_preferences, job_matches and applications are owned by the web
// backend; they are created here only so a fresh database is usable.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL DEFAULT '',
	is_active   BOOLEAN NOT NULL DEFAULT true,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id           TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	autonomy_tier     SMALLINT NOT NULL DEFAULT 0 CHECK (autonomy_tier BETWEEN 0 AND 3),
	briefing_hour     SMALLINT NOT NULL DEFAULT 8 CHECK (briefing_hour BETWEEN 0 AND 23),
	briefing_minute   SMALLINT NOT NULL DEFAULT 0 CHECK (briefing_minute BETWEEN 0 AND 59),
	timezone          TEXT NOT NULL DEFAULT 'UTC',
	briefing_channels JSONB NOT NULL DEFAULT '["in_app","email"]',
	profile           JSONB NOT NULL DEFAULT '{}',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_matches (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	title       TEXT NOT NULL,
	company     TEXT NOT NULL,
	score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS job_matches_user_created ON job_matches (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS applications (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	job_title   TEXT NOT NULL,
	company     TEXT NOT NULL,
	status      TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS applications_user_updated ON applications (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS agent_outputs (
	id                 UUID PRIMARY KEY,
	user_id            TEXT NOT NULL,
	agent_type         TEXT NOT NULL,
	task_id            TEXT NOT NULL,
	action_disposition TEXT NOT NULL CHECK (action_disposition IN ('suggested', 'executed')),
	action_name        TEXT NOT NULL,
	result             JSONB NOT NULL DEFAULT '{}',
	rationale          TEXT NOT NULL DEFAULT '',
	confidence         DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	schema_version     INT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_outputs_user_created ON agent_outputs (user_id, created_at DESC);
CREATE OR REPLACE RULE agent_outputs_no_update AS ON UPDATE TO agent_outputs DO INSTEAD NOTHING;
CREATE OR REPLACE RULE agent_outputs_no_delete AS ON DELETE TO agent_outputs DO INSTEAD NOTHING;

CREATE TABLE IF NOT EXISTS approval_queue (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL,
	agent_type      TEXT NOT NULL,
	action_name     TEXT NOT NULL,
	payload         JSONB NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'approved', 'rejected', 'expired', 'paused')),
	rationale       TEXT,
	confidence      DOUBLE PRECISION,
	decision_reason TEXT,
	decided_at      TIMESTAMPTZ,
	executed_at     TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE approval_queue ADD COLUMN IF NOT EXISTS executed_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS approval_queue_user_status ON approval_queue (user_id, status, created_at DESC);
CREATE INDEX IF NOT EXISTS approval_queue_pending_expiry ON approval_queue (expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS briefings (
	id                 UUID PRIMARY KEY,
	user_id            TEXT NOT NULL,
	content            JSONB NOT NULL,
	briefing_type      TEXT NOT NULL CHECK (briefing_type IN ('full', 'lite')),
	generated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at       TIMESTAMPTZ,
	delivered_channels JSONB NOT NULL DEFAULT '[]',
	read_at            TIMESTAMPTZ,
	schema_version     INT NOT NULL
);
CREATE INDEX IF NOT EXISTS briefings_user_generated ON briefings (user_id, generated_at DESC);

CREATE TABLE IF NOT EXISTS agent_activities (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	agent_type  TEXT,
	title       TEXT NOT NULL,
	severity    TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'action_required')),
	data        JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_activities_user_created ON agent_activities (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS briefing_schedules (
	user_id         TEXT PRIMARY KEY,
	hour_local      SMALLINT NOT NULL,
	minute_local    SMALLINT NOT NULL,
	timezone        TEXT NOT NULL,
	channels        JSONB NOT NULL DEFAULT '[]',
	hour_utc        SMALLINT NOT NULL,
	minute_utc      SMALLINT NOT NULL,
	offset_minutes  INT NOT NULL,
	cronspec        TEXT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
