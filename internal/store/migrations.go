package store

const schema = `
CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    branch_id TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    commit_hash TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    date TIMESTAMP,
    UNIQUE (branch_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '',
    branch_id TEXT NOT NULL,
    good_tag_id TEXT NOT NULL,
    bad_tag_id TEXT NOT NULL,
    build_service TEXT NOT NULL,
    status TEXT NOT NULL,
    current_iteration INTEGER NOT NULL DEFAULT 0,
    final_problematic_tag_id TEXT NOT NULL DEFAULT '',
    resolution_notes TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS iterations (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    number INTEGER NOT NULL,
    search_range_start INTEGER NOT NULL,
    search_range_end INTEGER NOT NULL,
    candidates_generated TEXT NOT NULL DEFAULT '[]',
    selected_candidates TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    UNIQUE (task_id, number)
);

CREATE TABLE IF NOT EXISTS build_jobs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    iteration_id TEXT NOT NULL REFERENCES iterations(id) ON DELETE CASCADE,
    tag_id TEXT NOT NULL,
    build_service TEXT NOT NULL,
    external_build_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_build_jobs_task_id ON build_jobs(task_id);
CREATE INDEX IF NOT EXISTS idx_build_jobs_status ON build_jobs(status);
CREATE INDEX IF NOT EXISTS idx_build_jobs_external ON build_jobs(build_service, external_build_id);

CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    iteration_id TEXT NOT NULL,
    build_job_id TEXT NOT NULL REFERENCES build_jobs(id) ON DELETE CASCADE,
    tag_id TEXT NOT NULL,
    feedback_type TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_task_id ON feedback(task_id);
`
