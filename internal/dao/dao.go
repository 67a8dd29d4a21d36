package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/engine"
	"github.com/leadpipe/drip/internal/guard"
	"github.com/leadpipe/drip/pkg/zid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the sqlite-backed persistence layer. It satisfies engine.Store
// and adds the write-side helpers the ingest surfaces use.
type SQLite struct {
	db   *sqlx.DB
	path string
}

func NewSQLite(path string) (*SQLite, error) {
	lite := &SQLite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

// ClaimDueCampaigns flips due campaigns scheduled -> sending, one row at a
// time with an affected-rows check, so two processes can never claim the
// same campaign.
func (s *SQLite) ClaimDueCampaigns(now time.Time, limit int) (claimed []drip.Campaign, err error) {
	q1 := `
		SELECT *
		FROM campaign
		WHERE status = 'scheduled'
		  AND scheduled_at <= ?
		ORDER BY scheduled_at
		LIMIT ?
	`
	q2 := `
		UPDATE campaign
		SET status = 'sending', updated_at = ?
		WHERE id = ?
		  AND status = 'scheduled'
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

	var due []drip.Campaign
	err = tx.Select(&due, q1, now.In(time.UTC), limit)
	if err != nil {
		return
	}

	for _, c := range due {
		res, err2 := tx.Exec(q2, now.In(time.UTC), c.ID)
		if err2 != nil {
			err = err2
			return
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			// someone else got there first, leave it to them
			continue
		}
		c.Status = drip.CampaignSending
		err = s.loadCampaignRefsTx(tx, &c)
		if err != nil {
			return
		}
		claimed = append(claimed, c)
	}
	return
}

func (s *SQLite) loadCampaignRefsTx(tx *sqlx.Tx, c *drip.Campaign) error {
	err := tx.Select(&c.Variants, `SELECT * FROM campaign_variant WHERE campaign_id = ? ORDER BY name`, c.ID)
	if err != nil {
		return fmt.Errorf("could not load variants for campaign %s, %w", c.ID, err)
	}
	err = tx.Select(&c.LeadIDs, `SELECT lead_id FROM campaign_lead WHERE campaign_id = ?`, c.ID)
	if err != nil {
		return fmt.Errorf("could not load recipient filter for campaign %s, %w", c.ID, err)
	}
	return nil
}

func (s *SQLite) GetCampaign(id string) (*drip.Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var c drip.Campaign
	err = db.Get(&c, `SELECT * FROM campaign WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.getTX()
	if err != nil {
		return nil, err
	}
	err = s.loadCampaignRefsTx(tx, &c)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &c, tx.Commit()
}

// FinishCampaign records the terminal state. The status guard keeps a late
// finisher from clobbering a campaign the reaper already handed back.
func (s *SQLite) FinishCampaign(id string, status drip.CampaignStatus, sentTo int, sentAt time.Time) error {
	q := `
		UPDATE campaign
		SET status = ?, sent_to = ?, sent_at = ?, updated_at = ?
		WHERE id = ?
		  AND status = 'sending'
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, status, sentTo, sentAt.In(time.UTC), sentAt.In(time.UTC), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("could not finish campaign %s, %d rows affected", id, affected)
	}
	return nil
}

func (s *SQLite) ReapStaleSending(olderThan time.Time) (int, error) {
	q := `
		UPDATE campaign
		SET status = 'scheduled', updated_at = ?
		WHERE status = 'sending'
		  AND updated_at <= ?
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, time.Now().In(time.UTC), olderThan.In(time.UTC))
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *SQLite) GetLead(id string) (*drip.Lead, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var l drip.Lead
	err = db.Get(&l, `SELECT * FROM lead WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLite) LeadsByIDs(ids []string) ([]drip.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	q, args, err := sqlx.In(`SELECT * FROM lead WHERE id IN (?) ORDER BY created_at`, ids)
	if err != nil {
		return nil, err
	}
	var leads []drip.Lead
	err = db.Select(&leads, q, args...)
	return leads, err
}

func (s *SQLite) ContactableLeads() ([]drip.Lead, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var leads []drip.Lead
	err = db.Select(&leads, `SELECT * FROM lead WHERE unsubscribed = 0 ORDER BY created_at`)
	return leads, err
}

func (s *SQLite) MarkLeadMailed(leadID string, at time.Time, markContacted bool) error {
	q := `
		UPDATE lead
		SET emails_sent = emails_sent + 1,
		    last_email_at = ?,
		    status = CASE WHEN ? THEN 'contacted' ELSE status END
		WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, at.In(time.UTC), markContacted, leadID)
	return err
}

func (s *SQLite) ActiveAccounts() (accounts []drip.SendingAccount, err error) {
	q1 := `SELECT * FROM account WHERE active = 1 ORDER BY id`
	q2 := `SELECT provider, sends FROM account_traffic WHERE account_id = ?`

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

	err = tx.Select(&accounts, q1)
	if err != nil {
		return
	}
	for i := range accounts {
		var rows []struct {
			Provider string `db:"provider"`
			Sends    int    `db:"sends"`
		}
		err = tx.Select(&rows, q2, accounts[i].ID)
		if err != nil {
			return
		}
		accounts[i].Traffic = map[string]int{}
		for _, r := range rows {
			accounts[i].Traffic[r.Provider] = r.Sends
		}
	}
	return
}

// RecordAccountSend bumps the daily counter, rolling it over in SQL when the
// stored reset date is not today, and upserts the provider affinity row.
func (s *SQLite) RecordAccountSend(accountID string, provider string, now time.Time) (err error) {
	q1 := `
		UPDATE account
		SET sent_today = CASE WHEN date(last_reset_at) = date(?) THEN sent_today + 1 ELSE 1 END,
		    last_reset_at = CASE WHEN date(last_reset_at) = date(?) THEN last_reset_at ELSE ? END
		WHERE id = ?
	`
	q2 := `
		INSERT INTO account_traffic (account_id, provider, sends)
		VALUES (?, ?, 1)
		ON CONFLICT (account_id, provider) DO UPDATE SET sends = sends + 1
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

	ts := now.In(time.UTC)
	res, err := tx.Exec(q1, ts, ts, ts, accountID)
	if err != nil {
		return
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		err = fmt.Errorf("could not record send for account %s, %d rows affected", accountID, affected)
		return
	}
	_, err = tx.Exec(q2, accountID, provider)
	return
}

func (s *SQLite) GetSequence(id string) (*drip.Sequence, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var seq drip.Sequence
	err = db.Get(&seq, `SELECT * FROM sequence WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	err = db.Select(&seq.Steps, `SELECT * FROM sequence_step WHERE sequence_id = ? ORDER BY step_order`, id)
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *SQLite) DueEnrollments(now time.Time, limit int) ([]drip.SequenceEnrollment, error) {
	q := `
		SELECT *
		FROM enrollment
		WHERE status = 'active'
		  AND next_send_at IS NOT NULL
		  AND next_send_at <= ?
		ORDER BY next_send_at
		LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ens []drip.SequenceEnrollment
	err = db.Select(&ens, q, now.In(time.UTC), limit)
	return ens, err
}

func (s *SQLite) UpdateEnrollment(e *drip.SequenceEnrollment) error {
	q := `
		UPDATE enrollment
		SET current_step = ?, next_send_at = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	var next interface{}
	if e.NextSendAt != nil {
		next = e.NextSendAt.In(time.UTC)
	}
	res, err := db.Exec(q, e.CurrentStep, next, e.Status, time.Now().In(time.UTC), e.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("could not update enrollment %s, %d rows affected", e.ID, affected)
	}
	return nil
}

// AppendSendEvent mints a sortable row id, so the id is a stable tiebreak
// for events sharing a timestamp.
func (s *SQLite) AppendSendEvent(ev drip.SendEvent) error {
	if ev.ID == "" {
		ev.ID = zid.New().String()
	}
	q := `
		INSERT INTO send_event (id, lead_id, campaign_id, type, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, ev.ID, ev.LeadID, ev.CampaignID, ev.Type, ev.Detail, ev.CreatedAt.In(time.UTC))
	return err
}

func (s *SQLite) LastSentEvent(leadID string) (*drip.SendEvent, error) {
	q := `
		SELECT *
		FROM send_event
		WHERE lead_id = ?
		  AND type = 'sent'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ev drip.SendEvent
	err = db.Get(&ev, q, leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *SQLite) EnqueueSoftBounce(item drip.SoftBounceItem) error {
	if item.ID == "" {
		item.ID = zid.New().String()
	}
	q := `
		INSERT INTO soft_bounce (id, lead_id, campaign_id, subject, html, retries, next_retry, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, item.ID, item.LeadID, item.CampaignID, item.Subject, item.HTML,
		item.Retries, item.NextRetry.In(time.UTC), item.LastError, item.CreatedAt.In(time.UTC))
	return err
}

// DueSoftBounces excludes items at the retry cap. Those stay in the table as
// dead letters and only show up in Counts.
func (s *SQLite) DueSoftBounces(now time.Time, limit int) ([]drip.SoftBounceItem, error) {
	q := `
		SELECT *
		FROM soft_bounce
		WHERE next_retry <= ?
		  AND retries < ?
		ORDER BY next_retry
		LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var items []drip.SoftBounceItem
	err = db.Select(&items, q, now.In(time.UTC), guard.MaxRetries, limit)
	return items, err
}

func (s *SQLite) RescheduleSoftBounce(item drip.SoftBounceItem) error {
	q := `
		UPDATE soft_bounce
		SET retries = ?, next_retry = ?, last_error = ?
		WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, item.Retries, item.NextRetry.In(time.UTC), item.LastError, item.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("could not reschedule soft bounce %s, %d rows affected", item.ID, affected)
	}
	return nil
}

func (s *SQLite) DeleteSoftBounce(id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM soft_bounce WHERE id = ?`, id)
	return err
}

func (s *SQLite) RecordFingerprint(fp string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO fingerprint (fp, created_at) VALUES (?, ?)`, fp, at.In(time.UTC))
	return err
}

func (s *SQLite) CountFingerprint(fp string, since time.Time) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, `SELECT count(*) FROM fingerprint WHERE fp = ? AND created_at >= ?`, fp, since.In(time.UTC))
	return n, err
}

func (s *SQLite) Counts() (counts drip.EngineCounts, err error) {
	db, err := s.getDB()
	if err != nil {
		return
	}
	err = db.Get(&counts.ScheduledCampaigns, `SELECT count(*) FROM campaign WHERE status = 'scheduled'`)
	if err != nil {
		return
	}
	err = db.Get(&counts.SendingCampaigns, `SELECT count(*) FROM campaign WHERE status = 'sending'`)
	if err != nil {
		return
	}
	err = db.Get(&counts.ActiveEnrollments, `SELECT count(*) FROM enrollment WHERE status = 'active'`)
	if err != nil {
		return
	}
	err = db.Get(&counts.QueuedRetries, `SELECT count(*) FROM soft_bounce WHERE retries < ?`, guard.MaxRetries)
	if err != nil {
		return
	}
	err = db.Get(&counts.DeadLetteredItems, `SELECT count(*) FROM soft_bounce WHERE retries >= ?`, guard.MaxRetries)
	return
}

func (s *SQLite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *SQLite) getDB() (*sqlx.DB, error) {
	var err error
	for s.db == nil || s.db.Ping() != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}
	return s.db, nil
}

func (s *SQLite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}
