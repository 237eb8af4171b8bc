package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_submissions (
	signature TEXT PRIMARY KEY,
	recipient TEXT NOT NULL,
	amount BIGINT NOT NULL,
	fee BIGINT NOT NULL,
	denomination BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT relay_submissions_signature_nonempty CHECK (signature <> ''),
	CONSTRAINT relay_submissions_recipient_nonempty CHECK (recipient <> ''),
	CONSTRAINT relay_submissions_amount_positive CHECK (amount > 0),
	CONSTRAINT relay_submissions_fee_nonneg CHECK (fee >= 0)
);

CREATE INDEX IF NOT EXISTS relay_submissions_recipient_idx ON relay_submissions (recipient, created_at);

CREATE TABLE IF NOT EXISTS swap_outcomes (
	outcome_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL DEFAULT '',
	recipient TEXT NOT NULL,
	status TEXT NOT NULL,

	unshield_signature TEXT NOT NULL DEFAULT '',
	swap_signature TEXT NOT NULL DEFAULT '',
	transfer_signature TEXT NOT NULL DEFAULT '',

	output_amount TEXT NOT NULL DEFAULT '0',
	output_mint TEXT NOT NULL DEFAULT '',
	fee_paid BIGINT NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT swap_outcomes_id_nonempty CHECK (outcome_id <> ''),
	CONSTRAINT swap_outcomes_recipient_nonempty CHECK (recipient <> ''),
	CONSTRAINT swap_outcomes_status_nonempty CHECK (status <> ''),
	CONSTRAINT swap_outcomes_fee_nonneg CHECK (fee_paid >= 0)
);

CREATE INDEX IF NOT EXISTS swap_outcomes_recipient_idx ON swap_outcomes (recipient, created_at DESC);
CREATE INDEX IF NOT EXISTS swap_outcomes_job_idx ON swap_outcomes (job_id);
`
