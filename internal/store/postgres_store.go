package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists the fraud core's entities in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the core tables if they don't exist. The goose migrations
// under migrations/ are the canonical schema; this exists so a fresh
// deployment can boot without running the migrate command first.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id           VARCHAR(40) PRIMARY KEY,
			user_id      VARCHAR(40) NOT NULL,
			device_id    VARCHAR(64),
			type         VARCHAR(10) NOT NULL CHECK (type IN ('credit', 'debit')),
			amount       NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
			description  TEXT NOT NULL DEFAULT '',
			location     TEXT,
			ts           TIMESTAMPTZ NOT NULL,
			fraud_score  NUMERIC(5,2) NOT NULL DEFAULT 0 CHECK (fraud_score >= 0 AND fraud_score <= 100),
			status       VARCHAR(10) NOT NULL CHECK (status IN ('pending', 'verified', 'flagged'))
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_ts
			ON transactions (user_id, ts DESC);

		CREATE TABLE IF NOT EXISTS device_fingerprints (
			id                VARCHAR(40) PRIMARY KEY,
			user_id           VARCHAR(40) NOT NULL,
			device_id         VARCHAR(64) NOT NULL,
			device_class      VARCHAR(10) NOT NULL,
			rural_likelihood  NUMERIC(5,2) NOT NULL,
			uniqueness_score  NUMERIC(5,2) NOT NULL,
			stability_factors JSONB NOT NULL DEFAULT '[]',
			risk_factors      JSONB NOT NULL DEFAULT '[]',
			signals_hash      VARCHAR(64) NOT NULL,
			network           JSONB NOT NULL DEFAULT '{}',
			trust_score       NUMERIC(5,2) NOT NULL CHECK (trust_score >= 0 AND trust_score <= 100),
			first_seen        TIMESTAMPTZ NOT NULL,
			last_seen         TIMESTAMPTZ NOT NULL,
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (user_id, device_id)
		);

		CREATE TABLE IF NOT EXISTS sim_swap_detections (
			id              VARCHAR(40) PRIMARY KEY,
			user_id         VARCHAR(40) NOT NULL,
			device_id       VARCHAR(64),
			old_carrier     TEXT,
			new_carrier     TEXT,
			old_imsi        TEXT,
			new_imsi        TEXT,
			detection_score NUMERIC(5,2) NOT NULL CHECK (detection_score >= 0 AND detection_score <= 100),
			ts              TIMESTAMPTZ NOT NULL,
			verified        BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_sim_swap_user_ts
			ON sim_swap_detections (user_id, ts DESC);

		CREATE TABLE IF NOT EXISTS security_events (
			id         VARCHAR(40) PRIMARY KEY,
			user_id    VARCHAR(40) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			severity   VARCHAR(10) NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
			details    JSONB NOT NULL DEFAULT '{}',
			device_id  VARCHAR(64),
			ts         TIMESTAMPTZ NOT NULL,
			resolved   BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_security_events_user_ts
			ON security_events (user_id, ts DESC);

		CREATE TABLE IF NOT EXISTS fraud_alerts (
			id                VARCHAR(40) PRIMARY KEY,
			user_id           VARCHAR(40) NOT NULL,
			alert_type        VARCHAR(64) NOT NULL,
			title             TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			severity          VARCHAR(10) NOT NULL CHECK (severity IN ('warning', 'danger')),
			action_required   BOOLEAN NOT NULL DEFAULT FALSE,
			security_event_id VARCHAR(40),
			ts                TIMESTAMPTZ NOT NULL,
			dismissed         BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_user_ts
			ON fraud_alerts (user_id, ts DESC);
	`)
	return err
}

// -------------------------------------------------------------------------
// Transactions
// -------------------------------------------------------------------------

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, device_id, type, amount, description, location, ts, fraud_score, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`,
		tx.ID, tx.UserID, tx.DeviceID, string(tx.Type), tx.Amount,
		tx.Description, tx.Location, tx.Timestamp, tx.FraudScore, string(tx.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTransactionScore(ctx context.Context, id string, fraudScore float64, status TransactionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET fraud_score = $2, status = $3 WHERE id = $1
	`, id, fraudScore, string(status))
	if err != nil {
		return fmt.Errorf("failed to update transaction score: %w", err)
	}
	return checkAffected(res)
}

const txColumns = `id, user_id, COALESCE(device_id, ''), type, amount, description, COALESCE(location, ''), ts, fraud_score, status`

func (s *PostgresStore) GetUserTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = $1 ORDER BY ts DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (s *PostgresStore) GetAgentTransactions(ctx context.Context, agentID string, days, offsetDays int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE user_id = $1
		  AND ts > NOW() - ($2 + $3) * INTERVAL '1 day'
		  AND ts <= NOW() - $3 * INTERVAL '1 day'
		ORDER BY ts DESC
	`, agentID, days, offsetDays)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		var tx Transaction
		var txType, status string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.DeviceID, &txType, &tx.Amount,
			&tx.Description, &tx.Location, &tx.Timestamp, &tx.FraudScore, &status); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Type = TransactionType(txType)
		tx.Status = TransactionStatus(status)
		result = append(result, &tx)
	}
	return result, rows.Err()
}

// -------------------------------------------------------------------------
// Device fingerprints
// -------------------------------------------------------------------------

func (s *PostgresStore) CreateDeviceFingerprint(ctx context.Context, fp *DeviceFingerprint) error {
	if fp.TrustScore < 10 || fp.TrustScore > 90 {
		return ErrTrustOutOfRange
	}

	stability, err := json.Marshal(fp.StabilityFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal stability factors: %w", err)
	}
	risks, err := json.Marshal(fp.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}
	network, err := json.Marshal(fp.Network)
	if err != nil {
		return fmt.Errorf("failed to marshal network info: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_fingerprints
			(id, user_id, device_id, device_class, rural_likelihood, uniqueness_score,
			 stability_factors, risk_factors, signals_hash, network, trust_score,
			 first_seen, last_seen, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, device_id) DO NOTHING
	`,
		fp.ID, fp.UserID, fp.DeviceID, string(fp.DeviceClass), fp.RuralLikelihood,
		fp.UniquenessScore, stability, risks, fp.SignalsHash, network, fp.TrustScore,
		fp.FirstSeen, fp.LastSeen, fp.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to create device fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateDevice
	}
	return nil
}

const fpColumns = `id, user_id, device_id, device_class, rural_likelihood, uniqueness_score,
	stability_factors, risk_factors, signals_hash, network, trust_score, first_seen, last_seen, is_active`

func (s *PostgresStore) GetDeviceFingerprint(ctx context.Context, userID, deviceID string) (*DeviceFingerprint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+fpColumns+` FROM device_fingerprints WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID)

	fp, err := scanFingerprint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return fp, err
}

func (s *PostgresStore) GetUserDevices(ctx context.Context, userID string) ([]*DeviceFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fpColumns+` FROM device_fingerprints WHERE user_id = $1 ORDER BY first_seen
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*DeviceFingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fp)
	}
	return result, rows.Err()
}

func (s *PostgresStore) TouchDevice(ctx context.Context, userID, deviceID string, trustScore float64, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_fingerprints SET trust_score = $3, last_seen = $4
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID, trustScore, seenAt)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return checkAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*DeviceFingerprint, error) {
	var fp DeviceFingerprint
	var class string
	var stability, risks, network []byte
	if err := row.Scan(&fp.ID, &fp.UserID, &fp.DeviceID, &class, &fp.RuralLikelihood,
		&fp.UniquenessScore, &stability, &risks, &fp.SignalsHash, &network,
		&fp.TrustScore, &fp.FirstSeen, &fp.LastSeen, &fp.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device fingerprint: %w", err)
	}
	fp.DeviceClass = DeviceClass(class)
	_ = json.Unmarshal(stability, &fp.StabilityFactors)
	_ = json.Unmarshal(risks, &fp.RiskFactors)
	_ = json.Unmarshal(network, &fp.Network)
	return &fp, nil
}

// -------------------------------------------------------------------------
// SIM swap detections
// -------------------------------------------------------------------------

func (s *PostgresStore) CreateSimSwapDetection(ctx context.Context, d *SimSwapDetection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sim_swap_detections
			(id, user_id, device_id, old_carrier, new_carrier, old_imsi, new_imsi, detection_score, ts, verified)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
	`,
		d.ID, d.UserID, d.DeviceID, d.OldCarrier, d.NewCarrier, d.OldIMSI, d.NewIMSI,
		d.DetectionScore, d.Timestamp, d.Verified,
	)
	if err != nil {
		return fmt.Errorf("failed to create sim swap detection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserSimSwapEvents(ctx context.Context, userID string) ([]*SimSwapDetection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(device_id, ''), COALESCE(old_carrier, ''), COALESCE(new_carrier, ''),
		       COALESCE(old_imsi, ''), COALESCE(new_imsi, ''), detection_score, ts, verified
		FROM sim_swap_detections
		WHERE user_id = $1
		ORDER BY ts DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sim swap events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SimSwapDetection
	for rows.Next() {
		var d SimSwapDetection
		if err := rows.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.OldCarrier, &d.NewCarrier,
			&d.OldIMSI, &d.NewIMSI, &d.DetectionScore, &d.Timestamp, &d.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan sim swap detection: %w", err)
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) VerifySimSwapDetection(ctx context.Context, id string, verified bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sim_swap_detections SET verified = $2 WHERE id = $1
	`, id, verified)
	if err != nil {
		return fmt.Errorf("failed to verify sim swap detection: %w", err)
	}
	return checkAffected(res)
}

// -------------------------------------------------------------------------
// Security events
// -------------------------------------------------------------------------

func (s *PostgresStore) CreateSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, user_id, event_type, severity, details, device_id, ts, resolved)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, ev.ID, ev.UserID, ev.EventType, string(ev.Severity), details, ev.DeviceID, ev.Timestamp, ev.Resolved)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserSecurityEvents(ctx context.Context, userID string, unresolvedOnly bool) ([]*SecurityEvent, error) {
	query := `
		SELECT id, user_id, event_type, severity, details, COALESCE(device_id, ''), ts, resolved
		FROM security_events
		WHERE user_id = $1`
	if unresolvedOnly {
		query += ` AND NOT resolved`
	}
	query += ` ORDER BY ts DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var severity string
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.EventType, &severity, &details,
			&ev.DeviceID, &ev.Timestamp, &ev.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		ev.Severity = Severity(severity)
		_ = json.Unmarshal(details, &ev.Details)
		result = append(result, &ev)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ResolveSecurityEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE security_events SET resolved = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve security event: %w", err)
	}
	return checkAffected(res)
}

// -------------------------------------------------------------------------
// Fraud alerts
// -------------------------------------------------------------------------

func (s *PostgresStore) CreateFraudAlert(ctx context.Context, a *FraudAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts
			(id, user_id, alert_type, title, description, severity, action_required, security_event_id, ts, dismissed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
	`, a.ID, a.UserID, a.AlertType, a.Title, a.Description, string(a.Severity),
		a.ActionRequired, a.SecurityEventID, a.Timestamp, a.Dismissed)
	if err != nil {
		return fmt.Errorf("failed to create fraud alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserFraudAlerts(ctx context.Context, userID string, includeDismissed bool) ([]*FraudAlert, error) {
	query := `
		SELECT id, user_id, alert_type, title, description, severity, action_required,
		       COALESCE(security_event_id, ''), ts, dismissed
		FROM fraud_alerts
		WHERE user_id = $1`
	if !includeDismissed {
		query += ` AND NOT dismissed`
	}
	query += ` ORDER BY ts DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*FraudAlert
	for rows.Next() {
		var a FraudAlert
		var severity string
		if err := rows.Scan(&a.ID, &a.UserID, &a.AlertType, &a.Title, &a.Description,
			&severity, &a.ActionRequired, &a.SecurityEventID, &a.Timestamp, &a.Dismissed); err != nil {
			return nil, fmt.Errorf("failed to scan fraud alert: %w", err)
		}
		a.Severity = AlertSeverity(severity)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DismissFraudAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fraud_alerts SET dismissed = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to dismiss fraud alert: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)
