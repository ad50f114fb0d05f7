package db

// Schema is the full relational layout. The dataset record-item
// composite key is unique and foreign keys cascade on dataset, entry
// and specification deletion.
const Schema = `
CREATE TABLE IF NOT EXISTS specifications (
    id         BIGSERIAL PRIMARY KEY,
    hash       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    content    JSONB NOT NULL,
    created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (kind, hash)
);

CREATE TABLE IF NOT EXISTS molecules (
    id                     BIGSERIAL PRIMARY KEY,
    hash                   TEXT NOT NULL UNIQUE,
    symbols                JSONB NOT NULL,
    geometry               JSONB NOT NULL,
    molecular_charge       INT NOT NULL DEFAULT 0,
    molecular_multiplicity INT NOT NULL DEFAULT 1,
    identifier             TEXT NOT NULL DEFAULT '',
    created_on             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
    id                   BIGSERIAL PRIMARY KEY,
    kind                 TEXT NOT NULL,
    is_service           BOOLEAN NOT NULL,
    status               TEXT NOT NULL,
    status_before_cancel TEXT,
    status_before_delete TEXT,
    specification_id     BIGINT NOT NULL REFERENCES specifications(id),
    dedup_hash           TEXT NOT NULL,
    tag                  TEXT NOT NULL DEFAULT '*',
    priority             INT NOT NULL DEFAULT 1,
    owner                TEXT NOT NULL DEFAULT '',
    comment              TEXT NOT NULL DEFAULT '',
    retries              INT NOT NULL DEFAULT 0,
    properties           JSONB,
    final_molecule_id    BIGINT REFERENCES molecules(id),
    provenance           JSONB,
    created_on           TIMESTAMPTZ NOT NULL DEFAULT now(),
    modified_on          TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (dedup_hash)
);

-- molecules of a record, in position order (one for atomic kinds,
-- many for chains and stoichiometries)
CREATE TABLE IF NOT EXISTS record_molecules (
    record_id   BIGINT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    molecule_id BIGINT NOT NULL REFERENCES molecules(id),
    position    INT NOT NULL,
    PRIMARY KEY (record_id, position)
);

-- parent/child edges; written when a service spawns children and kept
-- after the service row is cleared so cascades still see the subgraph
CREATE TABLE IF NOT EXISTS record_children (
    parent_id BIGINT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    child_id  BIGINT NOT NULL REFERENCES records(id),
    PRIMARY KEY (parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS compute_history (
    id           BIGSERIAL PRIMARY KEY,
    record_id    BIGINT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    manager_name TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    provenance   JSONB,
    started_on   TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_on     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS output_streams (
    id          BIGSERIAL PRIMARY KEY,
    history_id  BIGINT NOT NULL REFERENCES compute_history(id) ON DELETE CASCADE,
    output_type TEXT NOT NULL,
    data        TEXT NOT NULL DEFAULT '',
    UNIQUE (history_id, output_type)
);

CREATE TABLE IF NOT EXISTS tasks (
    id                BIGSERIAL PRIMARY KEY,
    record_id         BIGINT NOT NULL UNIQUE REFERENCES records(id) ON DELETE CASCADE,
    required_programs JSONB NOT NULL,
    tag               TEXT NOT NULL,
    priority          INT NOT NULL,
    function          TEXT NOT NULL,
    function_kwargs   JSONB NOT NULL,
    claim_state       TEXT NOT NULL DEFAULT 'waiting',
    manager_name      TEXT,
    claim_token       TEXT,
    claimed_on        TIMESTAMPTZ,
    created_on        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_tasks_claim ON tasks (claim_state, priority DESC, created_on ASC);

CREATE TABLE IF NOT EXISTS services (
    id            BIGSERIAL PRIMARY KEY,
    record_id     BIGINT NOT NULL UNIQUE REFERENCES records(id) ON DELETE CASCADE,
    tag           TEXT NOT NULL,
    priority      INT NOT NULL,
    service_state JSONB NOT NULL DEFAULT '{}',
    created_on    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS service_dependencies (
    id         BIGSERIAL PRIMARY KEY,
    service_id BIGINT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
    record_id  BIGINT NOT NULL REFERENCES records(id),
    extras     JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS ix_service_dependencies_service ON service_dependencies (service_id);

CREATE TABLE IF NOT EXISTS managers (
    id             BIGSERIAL PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    cluster_name   TEXT NOT NULL DEFAULT '',
    programs       JSONB NOT NULL,
    tags           JSONB NOT NULL,
    active         BOOLEAN NOT NULL DEFAULT TRUE,
    claimed_tasks  INT NOT NULL DEFAULT 0,
    cores          INT NOT NULL DEFAULT 0,
    memory_bytes   BIGINT NOT NULL DEFAULT 0,
    created_on     TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
    deactivated_on TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS datasets (
    id               BIGSERIAL PRIMARY KEY,
    kind             TEXT NOT NULL,
    name             TEXT NOT NULL,
    lname            TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    tagline          TEXT NOT NULL DEFAULT '',
    dataset_group    TEXT NOT NULL DEFAULT 'default',
    visibility       BOOLEAN NOT NULL DEFAULT TRUE,
    default_tag      TEXT NOT NULL DEFAULT '*',
    default_priority INT NOT NULL DEFAULT 1,
    metadata         JSONB,
    provenance       JSONB,
    created_on       TIMESTAMPTZ NOT NULL DEFAULT now(),
    modified_on      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (kind, lname)
);

CREATE TABLE IF NOT EXISTS dataset_entries (
    id          BIGSERIAL PRIMARY KEY,
    dataset_id  BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    comment     TEXT NOT NULL DEFAULT '',
    molecule_id BIGINT NOT NULL REFERENCES molecules(id),
    attributes  JSONB,
    UNIQUE (dataset_id, name)
);

CREATE TABLE IF NOT EXISTS dataset_specifications (
    id               BIGSERIAL PRIMARY KEY,
    dataset_id       BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
    name             TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    specification_id BIGINT NOT NULL REFERENCES specifications(id),
    UNIQUE (dataset_id, name)
);

CREATE TABLE IF NOT EXISTS dataset_record_items (
    dataset_id         BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
    entry_name         TEXT NOT NULL,
    specification_name TEXT NOT NULL,
    record_id          BIGINT NOT NULL REFERENCES records(id),
    PRIMARY KEY (dataset_id, entry_name, specification_name),
    FOREIGN KEY (dataset_id, entry_name)
        REFERENCES dataset_entries(dataset_id, name)
        ON DELETE CASCADE ON UPDATE CASCADE,
    FOREIGN KEY (dataset_id, specification_name)
        REFERENCES dataset_specifications(dataset_id, name)
        ON DELETE CASCADE ON UPDATE CASCADE
);

CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'read',
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    created_on    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS roles (
    name   TEXT PRIMARY KEY,
    policy JSONB NOT NULL
);
`
