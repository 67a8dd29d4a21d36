package dao

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/leadpipe/drip"
)

// Write-side helpers for the ingest surfaces and for seeding. The engine
// itself only ever goes through the engine.Store methods.

func (s *SQLite) AddLead(l drip.Lead) (err error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().In(time.UTC)
	}
	if l.Status == "" {
		l.Status = drip.LeadStatusNew
	}
	q := `
		INSERT INTO lead (id, email, name, field, website, problem, status, unsubscribed,
		                  complained_at, bounce_type, bounce_count, verification,
		                  engagement_score, last_engaged_at, emails_sent, last_email_at, created_at)
		VALUES (:id, :email, :name, :field, :website, :problem, :status, :unsubscribed,
		        :complained_at, :bounce_type, :bounce_count, :verification,
		        :engagement_score, :last_engaged_at, :emails_sent, :last_email_at, :created_at)
	`
	db, err := s.getDB()
	if err != nil {
		return
	}
	_, err = db.NamedExec(q, l)
	return
}

func (s *SQLite) AddCampaign(c drip.Campaign) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = drip.CampaignScheduled
	}
	now := time.Now().In(time.UTC)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	q1 := `
		INSERT INTO campaign (id, subject, body_html, status, bounce_count, complaint_count,
		                      unsubscribe_count, bounce_threshold, scheduled_at, sent_to, sent_at,
		                      created_at, updated_at)
		VALUES (:id, :subject, :body_html, :status, :bounce_count, :complaint_count,
		        :unsubscribe_count, :bounce_threshold, :scheduled_at, :sent_to, :sent_at,
		        :created_at, :updated_at)
	`
	q2 := `
		INSERT INTO campaign_variant (campaign_id, name, subject, body_html, weight)
		VALUES (?, ?, ?, ?, ?)
	`
	q3 := `INSERT INTO campaign_lead (campaign_id, lead_id) VALUES (?, ?)`

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.NamedExec(q1, c)
	if err != nil {
		err = fmt.Errorf("could not insert campaign, %w", err)
		return
	}
	for _, v := range c.Variants {
		_, err = tx.Exec(q2, c.ID, v.Name, v.Subject, v.BodyHTML, v.Weight)
		if err != nil {
			return
		}
	}
	for _, id := range c.LeadIDs {
		_, err = tx.Exec(q3, c.ID, id)
		if err != nil {
			return
		}
	}
	return
}

func (s *SQLite) AddAccount(a drip.SendingAccount) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.LastResetAt.IsZero() {
		a.LastResetAt = time.Now().In(time.UTC)
	}
	q := `
		INSERT INTO account (id, address, credentials, daily_limit, sent_today, last_reset_at,
		                     warmup_phase, warmup_started_at, active,
		                     window_start, window_end, weekdays, timezone)
		VALUES (:id, :address, :credentials, :daily_limit, :sent_today, :last_reset_at,
		        :warmup_phase, :warmup_started_at, :active,
		        :window_start, :window_end, :weekdays, :timezone)
	`
	db, err := s.getDB()
	if err != nil {
		return
	}
	_, err = db.NamedExec(q, a)
	return
}

func (s *SQLite) AddSequence(seq drip.Sequence) (err error) {
	if seq.ID == "" {
		seq.ID = uuid.New().String()
	}
	q1 := `INSERT INTO sequence (id, name, active) VALUES (?, ?, ?)`
	q2 := `
		INSERT INTO sequence_step (sequence_id, step_order, delay_days, subject, body_html)
		VALUES (?, ?, ?, ?, ?)
	`

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(q1, seq.ID, seq.Name, seq.Active)
	if err != nil {
		return
	}
	for i, st := range seq.Steps {
		_, err = tx.Exec(q2, seq.ID, i, st.DelayDays, st.Subject, st.BodyHTML)
		if err != nil {
			return
		}
	}
	return
}

func (s *SQLite) AddEnrollment(en drip.SequenceEnrollment) (err error) {
	if en.ID == "" {
		en.ID = uuid.New().String()
	}
	if en.Status == "" {
		en.Status = drip.EnrollmentActive
	}
	now := time.Now().In(time.UTC)
	if en.CreatedAt.IsZero() {
		en.CreatedAt = now
	}
	if en.UpdatedAt.IsZero() {
		en.UpdatedAt = now
	}
	q := `
		INSERT INTO enrollment (id, sequence_id, lead_id, current_step, next_send_at, status, created_at, updated_at)
		VALUES (:id, :sequence_id, :lead_id, :current_step, :next_send_at, :status, :created_at, :updated_at)
	`
	db, err := s.getDB()
	if err != nil {
		return
	}
	_, err = db.NamedExec(q, en)
	return
}

func (s *SQLite) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS lead (
	    id TEXT PRIMARY KEY,
	    email TEXT NOT NULL,
	    name TEXT NOT NULL DEFAULT '',

	    field   TEXT NOT NULL DEFAULT '',
	    website TEXT NOT NULL DEFAULT '',
	    problem TEXT NOT NULL DEFAULT '',

	    status TEXT NOT NULL DEFAULT 'new',
	    unsubscribed INT NOT NULL DEFAULT 0,

	    complained_at DATETIME,
	    bounce_type   TEXT NOT NULL DEFAULT '',
	    bounce_count  INT NOT NULL DEFAULT 0,
	    verification  TEXT NOT NULL DEFAULT 'unknown',

	    engagement_score INT NOT NULL DEFAULT 0,
	    last_engaged_at  DATETIME,

	    emails_sent   INT NOT NULL DEFAULT 0,
	    last_email_at DATETIME,

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS campaign (
	    id TEXT PRIMARY KEY,
	    subject   TEXT NOT NULL DEFAULT '',
	    body_html TEXT NOT NULL DEFAULT '',

	    status TEXT NOT NULL DEFAULT 'scheduled', -- scheduled, sending, sent, failed

	    bounce_count      INT NOT NULL DEFAULT 0,
	    complaint_count   INT NOT NULL DEFAULT 0,
	    unsubscribe_count INT NOT NULL DEFAULT 0,
	    bounce_threshold  INT NOT NULL DEFAULT 0,

	    scheduled_at DATETIME NOT NULL,
	    sent_to INT NOT NULL DEFAULT 0,
	    sent_at DATETIME,

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_campaign_due ON campaign(scheduled_at) WHERE status = 'scheduled';

	CREATE TABLE IF NOT EXISTS campaign_variant (
	    campaign_id TEXT NOT NULL REFERENCES campaign(id),
	    name      TEXT NOT NULL,
	    subject   TEXT NOT NULL DEFAULT '',
	    body_html TEXT NOT NULL DEFAULT '',
	    weight    INT NOT NULL DEFAULT 0,
	    PRIMARY KEY (campaign_id, name)
	);

	CREATE TABLE IF NOT EXISTS campaign_lead (
	    campaign_id TEXT NOT NULL REFERENCES campaign(id),
	    lead_id     TEXT NOT NULL,
	    PRIMARY KEY (campaign_id, lead_id)
	);

	CREATE TABLE IF NOT EXISTS account (
	    id TEXT PRIMARY KEY,
	    address     TEXT NOT NULL,
	    credentials TEXT NOT NULL DEFAULT '',

	    daily_limit   INT NOT NULL DEFAULT 0,
	    sent_today    INT NOT NULL DEFAULT 0,
	    last_reset_at DATETIME NOT NULL,

	    warmup_phase      INT NOT NULL DEFAULT 0,
	    warmup_started_at DATETIME,

	    active INT NOT NULL DEFAULT 1,

	    window_start INT NOT NULL DEFAULT 0,
	    window_end   INT NOT NULL DEFAULT 24,
	    weekdays     TEXT NOT NULL DEFAULT '',
	    timezone     TEXT NOT NULL DEFAULT 'UTC'
	);

	CREATE TABLE IF NOT EXISTS account_traffic (
	    account_id TEXT NOT NULL REFERENCES account(id),
	    provider   TEXT NOT NULL,
	    sends      INT NOT NULL DEFAULT 0,
	    PRIMARY KEY (account_id, provider)
	);

	CREATE TABLE IF NOT EXISTS sequence (
	    id TEXT PRIMARY KEY,
	    name   TEXT NOT NULL DEFAULT '',
	    active INT NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS sequence_step (
	    sequence_id TEXT NOT NULL REFERENCES sequence(id),
	    step_order  INT NOT NULL,
	    delay_days  INT NOT NULL DEFAULT 0,
	    subject     TEXT NOT NULL DEFAULT '',
	    body_html   TEXT NOT NULL DEFAULT '',
	    PRIMARY KEY (sequence_id, step_order)
	);

	CREATE TABLE IF NOT EXISTS enrollment (
	    id TEXT PRIMARY KEY,
	    sequence_id TEXT NOT NULL REFERENCES sequence(id),
	    lead_id     TEXT NOT NULL,

	    current_step INT NOT NULL DEFAULT 0,
	    next_send_at DATETIME,
	    status TEXT NOT NULL DEFAULT 'active', -- active, paused, completed, unsubscribed

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_enrollment_due ON enrollment(next_send_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS send_event (
	    id TEXT PRIMARY KEY,
	    lead_id     TEXT NOT NULL,
	    campaign_id TEXT NOT NULL DEFAULT '',
	    type   TEXT NOT NULL,
	    detail TEXT NOT NULL DEFAULT '',
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_send_event_lead ON send_event(lead_id, created_at);

	CREATE TABLE IF NOT EXISTS soft_bounce (
	    id TEXT PRIMARY KEY,
	    lead_id     TEXT NOT NULL,
	    campaign_id TEXT NOT NULL DEFAULT '',

	    subject TEXT NOT NULL DEFAULT '',
	    html    TEXT NOT NULL DEFAULT '',

	    retries    INT NOT NULL DEFAULT 0,
	    next_retry DATETIME NOT NULL,
	    last_error TEXT NOT NULL DEFAULT '',

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_soft_bounce_due ON soft_bounce(next_retry) WHERE retries < 3;

	CREATE TABLE IF NOT EXISTS fingerprint (
	    fp TEXT NOT NULL,
	    created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fingerprint ON fingerprint(fp, created_at);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return err
}
