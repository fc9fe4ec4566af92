package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"crosspost/internal/model"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status update is not allowed
	// from the record's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes the SQLite database with WAL and foreign keys, then
// migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			account_name TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry TIMESTAMP,
			active INTEGER NOT NULL DEFAULT 1,
			user_id TEXT NOT NULL,
			team_role TEXT NOT NULL DEFAULT 'owner',
			client_id TEXT,
			last_published TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_posts (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			platform TEXT NOT NULL,
			account_id TEXT,
			scheduled_for TIMESTAMP NOT NULL,
			pillar_id TEXT,
			status TEXT NOT NULL DEFAULT 'scheduled',
			failure_reason TEXT NOT NULL DEFAULT '',
			platform_post_id TEXT NOT NULL DEFAULT '',
			posted_at TIMESTAMP,
			engagement TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS distribution_rules (
			client_id TEXT PRIMARY KEY,
			max_posts_per_day INTEGER NOT NULL DEFAULT 0,
			min_gap_hours REAL NOT NULL DEFAULT 0,
			enforce INTEGER NOT NULL DEFAULT 0,
			pillar_targets TEXT NOT NULL DEFAULT '{}',
			platform_targets TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS publish_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			account_id TEXT,
			platform TEXT,
			status TEXT,
			error TEXT,
			message_preview TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_client_platform ON accounts(client_id, platform);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_client_window ON scheduled_posts(client_id, scheduled_for);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_due ON scheduled_posts(status, scheduled_for);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON publish_logs(ts);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CreateAccount inserts a connected account and returns its generated ID.
func (s *Store) CreateAccount(a model.SocialAccount) (string, error) {
	if a.TeamRole == "" {
		a.TeamRole = model.RoleOwner
	}
	id := uuid.NewString()
	now := time.Now()
	_, err := s.DB.Exec(`INSERT INTO accounts
		(id,platform,external_id,account_name,access_token,refresh_token,token_expiry,active,user_id,team_role,client_id,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, string(a.Platform), a.ExternalID, a.AccountName, a.AccessToken, a.RefreshToken,
		nullTime(a.TokenExpiry), btoi(a.Active), a.UserID, a.TeamRole, nullStr(a.ClientID), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

const accountCols = `id,platform,external_id,account_name,access_token,refresh_token,token_expiry,active,user_id,team_role,COALESCE(client_id,''),last_published,created_at,updated_at`

func scanAccount(row interface{ Scan(...any) error }) (model.SocialAccount, error) {
	var a model.SocialAccount
	var platform string
	var active int
	var expiry, lastPub sql.NullTime
	err := row.Scan(&a.ID, &platform, &a.ExternalID, &a.AccountName, &a.AccessToken, &a.RefreshToken,
		&expiry, &active, &a.UserID, &a.TeamRole, &a.ClientID, &lastPub, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.Platform = model.Platform(platform)
	a.Active = active == 1
	if expiry.Valid {
		t := expiry.Time
		a.TokenExpiry = &t
	}
	if lastPub.Valid {
		t := lastPub.Time
		a.LastPublished = &t
	}
	return a, nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(id string) (model.SocialAccount, error) {
	row := s.DB.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts() ([]model.SocialAccount, error) {
	rows, err := s.DB.Query(`SELECT ` + accountCols + ` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.SocialAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// ActiveAccountsByClientPlatform returns active accounts matching the
// (client, platform) pair, used to resolve a scheduled post's destination.
func (s *Store) ActiveAccountsByClientPlatform(clientID string, platform model.Platform) ([]model.SocialAccount, error) {
	rows, err := s.DB.Query(`SELECT `+accountCols+` FROM accounts WHERE client_id=? AND platform=? AND active=1`,
		clientID, string(platform))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.SocialAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// UpdateAccountTokens persists refreshed credentials. Only the refresh routine
// calls this.
func (s *Store) UpdateAccountTokens(id, accessToken, refreshToken string, expiry *time.Time) error {
	res, err := s.DB.Exec(`UPDATE accounts SET access_token=?, refresh_token=?, token_expiry=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		accessToken, refreshToken, nullTime(expiry), id)
	if err != nil {
		return err
	}
	return existed(res)
}

// UpdateAccountMeta updates the user-editable account fields.
func (s *Store) UpdateAccountMeta(id, accountName, teamRole, clientID string) error {
	res, err := s.DB.Exec(`UPDATE accounts SET account_name=?, team_role=?, client_id=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		accountName, teamRole, nullStr(clientID), id)
	if err != nil {
		return err
	}
	return existed(res)
}

// SetAccountActive flips the active flag. Accounts are deactivated, not deleted.
func (s *Store) SetAccountActive(id string, active bool) error {
	res, err := s.DB.Exec(`UPDATE accounts SET active=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, btoi(active), id)
	if err != nil {
		return err
	}
	return existed(res)
}

// TouchLastPublished records a successful publish timestamp, keyed by id.
func (s *Store) TouchLastPublished(id string, t time.Time) error {
	_, err := s.DB.Exec(`UPDATE accounts SET last_published=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, t, id)
	return err
}

// CreateScheduledPost persists a post with status scheduled and returns its ID.
func (s *Store) CreateScheduledPost(p model.ScheduledPost) (string, error) {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	_, err = s.DB.Exec(`INSERT INTO scheduled_posts
		(id,client_id,created_by,title,content,platform,account_id,scheduled_for,pillar_id,status,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, p.ClientID, p.CreatedBy, p.Title, string(content), string(p.Platform),
		nullStr(p.AccountID), p.ScheduledFor, nullStr(p.PillarID), model.PostStatusScheduled, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

const postCols = `id,client_id,created_by,title,content,platform,COALESCE(account_id,''),scheduled_for,COALESCE(pillar_id,''),status,failure_reason,platform_post_id,posted_at,engagement,created_at,updated_at`

func scanPost(row interface{ Scan(...any) error }) (model.ScheduledPost, error) {
	var p model.ScheduledPost
	var content, platform string
	var postedAt sql.NullTime
	err := row.Scan(&p.ID, &p.ClientID, &p.CreatedBy, &p.Title, &content, &platform, &p.AccountID,
		&p.ScheduledFor, &p.PillarID, &p.Status, &p.FailureReason, &p.PlatformPostID, &postedAt,
		&p.Engagement, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.Platform = model.Platform(platform)
	if postedAt.Valid {
		t := postedAt.Time
		p.PostedAt = &t
	}
	if err := json.Unmarshal([]byte(content), &p.Content); err != nil {
		return p, fmt.Errorf("decode content: %w", err)
	}
	return p, nil
}

// GetScheduledPost fetches one post by id.
func (s *Store) GetScheduledPost(id string) (model.ScheduledPost, error) {
	row := s.DB.QueryRow(`SELECT `+postCols+` FROM scheduled_posts WHERE id=?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ListScheduledPosts returns posts for a client, optionally filtered by status,
// newest schedule first.
func (s *Store) ListScheduledPosts(clientID, status string) ([]model.ScheduledPost, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.DB.Query(`SELECT `+postCols+` FROM scheduled_posts WHERE client_id=? AND status=? ORDER BY scheduled_for DESC`, clientID, status)
	} else {
		rows, err = s.DB.Query(`SELECT `+postCols+` FROM scheduled_posts WHERE client_id=? ORDER BY scheduled_for DESC`, clientID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListDuePosts returns scheduled posts whose time has arrived, oldest first.
func (s *Store) ListDuePosts(now time.Time, limit int) ([]model.ScheduledPost, error) {
	rows, err := s.DB.Query(`SELECT `+postCols+` FROM scheduled_posts
		WHERE status=? AND scheduled_for<=? ORDER BY scheduled_for ASC LIMIT ?`,
		model.PostStatusScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// PostsInWindow returns a client's posts scheduled within [from, to), for
// distribution-rule validation. Cancelled posts do not count against cadence.
func (s *Store) PostsInWindow(clientID string, from, to time.Time) ([]model.ScheduledPost, error) {
	rows, err := s.DB.Query(`SELECT `+postCols+` FROM scheduled_posts
		WHERE client_id=? AND scheduled_for>=? AND scheduled_for<? AND status!=?
		ORDER BY scheduled_for ASC`,
		clientID, from, to, model.PostStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func collectPosts(rows *sql.Rows) ([]model.ScheduledPost, error) {
	var list []model.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// MarkPosted transitions scheduled -> posted, recording the platform post id
// and publication time. The guarded WHERE keeps terminal states terminal.
func (s *Store) MarkPosted(id, platformPostID string, postedAt time.Time) error {
	res, err := s.DB.Exec(`UPDATE scheduled_posts
		SET status=?, platform_post_id=?, posted_at=?, failure_reason='', updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=?`,
		model.PostStatusPosted, platformPostID, postedAt, id, model.PostStatusScheduled)
	if err != nil {
		return err
	}
	return s.transitioned(res, id)
}

// MarkFailed transitions scheduled -> failed with a human-readable reason.
func (s *Store) MarkFailed(id, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	res, err := s.DB.Exec(`UPDATE scheduled_posts
		SET status=?, failure_reason=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=?`,
		model.PostStatusFailed, reason, id, model.PostStatusScheduled)
	if err != nil {
		return err
	}
	return s.transitioned(res, id)
}

// ResetToScheduled transitions failed -> scheduled and clears the failure
// reason, ahead of a retry.
func (s *Store) ResetToScheduled(id string) error {
	res, err := s.DB.Exec(`UPDATE scheduled_posts
		SET status=?, failure_reason='', updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=?`,
		model.PostStatusScheduled, id, model.PostStatusFailed)
	if err != nil {
		return err
	}
	return s.transitioned(res, id)
}

// CancelPost transitions scheduled -> cancelled. Terminal.
func (s *Store) CancelPost(id string) error {
	res, err := s.DB.Exec(`UPDATE scheduled_posts
		SET status=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=?`,
		model.PostStatusCancelled, id, model.PostStatusScheduled)
	if err != nil {
		return err
	}
	return s.transitioned(res, id)
}

// RecordEngagement stores the engagement blob for a posted post.
func (s *Store) RecordEngagement(id, engagement string) error {
	res, err := s.DB.Exec(`UPDATE scheduled_posts
		SET engagement=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=?`,
		engagement, id, model.PostStatusPosted)
	if err != nil {
		return err
	}
	return s.transitioned(res, id)
}

// transitioned distinguishes "no such record" from "record exists but the
// transition is not allowed" when a guarded UPDATE touched zero rows.
func (s *Store) transitioned(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.DB.QueryRow(`SELECT COUNT(1) FROM scheduled_posts WHERE id=?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// GetDistributionRule returns the client's rule, or ok=false when none is set.
func (s *Store) GetDistributionRule(clientID string) (model.DistributionRule, bool, error) {
	var r model.DistributionRule
	var enforce int
	var pillars, platforms string
	err := s.DB.QueryRow(`SELECT client_id,max_posts_per_day,min_gap_hours,enforce,pillar_targets,platform_targets
		FROM distribution_rules WHERE client_id=?`, clientID).
		Scan(&r.ClientID, &r.MaxPostsPerDay, &r.MinGapHours, &enforce, &pillars, &platforms)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	r.Enforce = enforce == 1
	if err := json.Unmarshal([]byte(pillars), &r.PillarTargets); err != nil {
		return r, false, fmt.Errorf("decode pillar targets: %w", err)
	}
	if err := json.Unmarshal([]byte(platforms), &r.PlatformTargets); err != nil {
		return r, false, fmt.Errorf("decode platform targets: %w", err)
	}
	return r, true, nil
}

// UpsertDistributionRule inserts or replaces the client's rule.
func (s *Store) UpsertDistributionRule(r model.DistributionRule) error {
	pillars, err := json.Marshal(orEmpty(r.PillarTargets))
	if err != nil {
		return err
	}
	platforms, err := json.Marshal(orEmpty(r.PlatformTargets))
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO distribution_rules
		(client_id,max_posts_per_day,min_gap_hours,enforce,pillar_targets,platform_targets,updated_at)
		VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(client_id) DO UPDATE SET
			max_posts_per_day=excluded.max_posts_per_day,
			min_gap_hours=excluded.min_gap_hours,
			enforce=excluded.enforce,
			pillar_targets=excluded.pillar_targets,
			platform_targets=excluded.platform_targets,
			updated_at=CURRENT_TIMESTAMP`,
		r.ClientID, r.MaxPostsPerDay, r.MinGapHours, btoi(r.Enforce), string(pillars), string(platforms))
	return err
}

// InsertPublishLog records one publish attempt for auditing and daily stats.
func (s *Store) InsertPublishLog(accountID string, platform model.Platform, status, preview, errMsg string) error {
	_, err := s.DB.Exec(`INSERT INTO publish_logs (account_id,platform,status,error,message_preview)
		VALUES (?,?,?,?,?)`,
		accountID, string(platform), status, errMsg, preview)
	return err
}

// StatsToday returns today's publish attempt counters.
func (s *Store) StatsToday() (total, success, failed int64, err error) {
	row := s.DB.QueryRow(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0) AS failed
		FROM publish_logs
		WHERE ts >= datetime('now','start of day') AND ts < datetime('now','start of day','+1 day')`)
	if err := row.Scan(&total, &success, &failed); err != nil {
		return 0, 0, 0, err
	}
	return total, success, failed, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return sql.NullTime{}
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func existed(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmpty(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
