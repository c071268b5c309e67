package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- VOICE SESSION TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS voice_session SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS chat_id ON voice_session TYPE int;
    DEFINE FIELD IF NOT EXISTS runtime_tag ON voice_session TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS project_id ON voice_session TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS is_deleted ON voice_session TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS is_active ON voice_session TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS is_messages_processed ON voice_session TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS is_postprocessing ON voice_session TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS to_finalize ON voice_session TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS is_finalized ON voice_session TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS done_at ON voice_session TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS done_count ON voice_session TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS postprocessing_job_queued_timestamp ON voice_session TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS processors ON voice_session TYPE option<array<string>>;
    DEFINE FIELD IF NOT EXISTS session_processors ON voice_session TYPE option<array<string>>;
    -- Processor state is keyed by processor name, including operator-defined
    -- custom prompts, so the object stays schemaless.
    DEFINE FIELD IF NOT EXISTS processors_data ON voice_session TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON voice_session TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON voice_session TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS voice_session_chat ON voice_session FIELDS chat_id;
    DEFINE INDEX IF NOT EXISTS voice_session_runtime ON voice_session FIELDS runtime_tag;

    -- ==========================================================================
    -- VOICE MESSAGE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS voice_message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS session_id ON voice_message TYPE string;
    DEFINE FIELD IF NOT EXISTS runtime_tag ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS chat_id ON voice_message TYPE int;
    DEFINE FIELD IF NOT EXISTS message_id ON voice_message TYPE string;
    DEFINE FIELD IF NOT EXISTS message_timestamp ON voice_message TYPE int;
    DEFINE FIELD IF NOT EXISTS source_type ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS message_type ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS text ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS transcription_text ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS speaker ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS attachments ON voice_message TYPE option<array<object>> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS is_transcribed ON voice_message TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS transcription_error ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS is_finalized ON voice_message TYPE bool DEFAULT false;

    -- Categorization result and its legacy retry bookkeeping. The same state
    -- is mirrored under processors_data.categorization; the store keeps the
    -- two in sync.
    DEFINE FIELD IF NOT EXISTS categorization ON voice_message TYPE option<array<object>> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS categorization_timestamp ON voice_message TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS categorization_attempts ON voice_message TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS categorization_error ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS categorization_error_message ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS categorization_error_timestamp ON voice_message TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS categorization_retry_reason ON voice_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS categorization_next_attempt_at ON voice_message TYPE option<datetime>;

    DEFINE FIELD IF NOT EXISTS processors_data ON voice_message TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON voice_message TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS voice_message_session ON voice_message FIELDS session_id;
    DEFINE INDEX IF NOT EXISTS voice_message_runtime ON voice_message FIELDS runtime_tag;
    DEFINE INDEX IF NOT EXISTS voice_message_timestamp ON voice_message FIELDS message_timestamp;

    -- ==========================================================================
    -- VOICE JOB TABLE (durable queue)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS voice_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS queue ON voice_job TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON voice_job TYPE string;
    DEFINE FIELD IF NOT EXISTS payload ON voice_job TYPE string;
    DEFINE FIELD IF NOT EXISTS dedup_key ON voice_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS status ON voice_job TYPE string ASSERT $value IN ['pending', 'active', 'completed', 'dead'];
    DEFINE FIELD IF NOT EXISTS attempts ON voice_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS max_attempts ON voice_job TYPE int DEFAULT 1;
    DEFINE FIELD IF NOT EXISTS backoff_ms ON voice_job TYPE int DEFAULT 60000;
    DEFINE FIELD IF NOT EXISTS run_at ON voice_job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS leased_at ON voice_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS finished_at ON voice_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS last_error ON voice_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON voice_job TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS voice_job_poll ON voice_job FIELDS queue, status, run_at;
    DEFINE INDEX IF NOT EXISTS voice_job_dedup ON voice_job FIELDS dedup_key;

    -- ==========================================================================
    -- TICKET TABLE (create_tasks output)
    -- ==========================================================================
    -- Tickets mirror the board's own record shape, which evolves outside this
    -- service, so the table stays schemaless.
    DEFINE TABLE IF NOT EXISTS ticket SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS ticket_session ON ticket FIELDS session_id;

    -- ==========================================================================
    -- PROJECT TABLE (minimal CRM view read by create_tasks)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS project SCHEMALESS;
    DEFINE INDEX IF NOT EXISTS project_name ON project FIELDS name;
`
