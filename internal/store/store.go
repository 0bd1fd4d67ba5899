// Package store defines the persistence contract for the fraud detection
// core: transactions, device fingerprints, SIM-swap detections, security
// events, and fraud alerts.
//
// Two implementations are provided: MemoryStore (dev/test) and PostgresStore.
// Analyzer packages declare narrow read interfaces over the subset they
// consume; both implementations satisfy all of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotFound        = errors.New("store: not found")
	ErrDuplicateDevice = errors.New("store: device fingerprint already exists for user/device pair")
	ErrTrustOutOfRange = errors.New("store: initial trust score outside [10,90]")
)

// TransactionType is the direction of money movement.
type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusVerified TransactionStatus = "verified"
	StatusFlagged  TransactionStatus = "flagged"
)

// Transaction is a single money movement. Created by the ingress API;
// only the scoring pipeline mutates FraudScore and Status. Never deleted.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	DeviceID    string            `json:"deviceId,omitempty"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description"`
	Location    string            `json:"location,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	FraudScore  float64           `json:"fraudScore"` // 0-100, 0 until scored
	Status      TransactionStatus `json:"status"`
}

// NetworkInfo is a snapshot of a device's network identity.
type NetworkInfo struct {
	Carrier        string    `json:"carrier,omitempty"`
	MCC            string    `json:"mcc,omitempty"`
	MNC            string    `json:"mnc,omitempty"`
	IMSI           string    `json:"imsi,omitempty"`
	CellID         string    `json:"cellId,omitempty"`
	ConnectionType string    `json:"connectionType,omitempty"` // "2g", "3g", "4g", "wifi"
	Timestamp      time.Time `json:"timestamp"`
}

// DeviceClass buckets device hardware capability.
type DeviceClass string

const (
	ClassLowEnd   DeviceClass = "low-end"
	ClassMidRange DeviceClass = "mid-range"
	ClassHighEnd  DeviceClass = "high-end"
)

// DeviceFingerprint is the processed classification of a device for one
// (userID, deviceID) pair. That pair is unique — CreateDeviceFingerprint
// rejects duplicates. Only TrustScore and LastSeen mutate after creation.
type DeviceFingerprint struct {
	ID               string      `json:"id"`
	UserID           string      `json:"userId"`
	DeviceID         string      `json:"deviceId"`
	DeviceClass      DeviceClass `json:"deviceClass"`
	RuralLikelihood  float64     `json:"ruralLikelihood"` // 0-100
	UniquenessScore  float64     `json:"uniquenessScore"` // 0-100
	StabilityFactors []string    `json:"stabilityFactors,omitempty"`
	RiskFactors      []string    `json:"riskFactors,omitempty"`
	SignalsHash      string      `json:"signalsHash"` // stable identity hash
	Network          NetworkInfo `json:"network"`
	TrustScore       float64     `json:"trustScore"` // [10,90] at creation
	FirstSeen        time.Time   `json:"firstSeen"`
	LastSeen         time.Time   `json:"lastSeen"`
	IsActive         bool        `json:"isActive"`
}

// SimSwapDetection records one network-identity comparison. Written for
// every comparison run, not only on changes. Immutable except Verified.
type SimSwapDetection struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	OldCarrier     string    `json:"oldCarrier,omitempty"`
	NewCarrier     string    `json:"newCarrier,omitempty"`
	OldIMSI        string    `json:"oldImsi,omitempty"`
	NewIMSI        string    `json:"newImsi,omitempty"`
	DetectionScore float64   `json:"detectionScore"` // 0-100
	Timestamp      time.Time `json:"timestamp"`
	Verified       bool      `json:"verified"`
}

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an append-only audit record. Resolved is the only
// mutable field.
type SecurityEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	EventType string         `json:"eventType"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Resolved  bool           `json:"resolved"`
}

// AlertSeverity grades a user-facing alert.
type AlertSeverity string

const (
	AlertWarning AlertSeverity = "warning"
	AlertDanger  AlertSeverity = "danger"
)

// FraudAlert is the user-facing counterpart to a SecurityEvent.
// Dismissed is the only mutable field. When created by the pipeline,
// SecurityEventID references the backing audit record.
type FraudAlert struct {
	ID              string        `json:"id"`
	UserID          string        `json:"userId"`
	AlertType       string        `json:"alertType"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Severity        AlertSeverity `json:"severity"`
	ActionRequired  bool          `json:"actionRequired"`
	SecurityEventID string        `json:"securityEventId,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Dismissed       bool          `json:"dismissed"`
}

// Store is the full persistence contract consumed by the fraud core.
type Store interface {
	// Transactions
	CreateTransaction(ctx context.Context, tx *Transaction) error
	// SetTransactionScore applies the scoring pipeline's verdict. The only
	// permitted transaction mutation.
	SetTransactionScore(ctx context.Context, id string, fraudScore float64, status TransactionStatus) error
	// GetUserTransactions returns the user's transactions, newest first,
	// up to limit (0 = no limit).
	GetUserTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// GetAgentTransactions returns transactions in the window
	// [now-days-offsetDays, now-offsetDays], newest first.
	GetAgentTransactions(ctx context.Context, agentID string, days, offsetDays int) ([]*Transaction, error)

	// Device fingerprints
	CreateDeviceFingerprint(ctx context.Context, fp *DeviceFingerprint) error
	GetDeviceFingerprint(ctx context.Context, userID, deviceID string) (*DeviceFingerprint, error)
	GetUserDevices(ctx context.Context, userID string) ([]*DeviceFingerprint, error)
	// TouchDevice atomically updates trust score and last-seen for a device.
	TouchDevice(ctx context.Context, userID, deviceID string, trustScore float64, seenAt time.Time) error

	// SIM swap detections
	CreateSimSwapDetection(ctx context.Context, d *SimSwapDetection) error
	GetUserSimSwapEvents(ctx context.Context, userID string) ([]*SimSwapDetection, error)
	VerifySimSwapDetection(ctx context.Context, id string, verified bool) error

	// Security events
	CreateSecurityEvent(ctx context.Context, ev *SecurityEvent) error
	GetUserSecurityEvents(ctx context.Context, userID string, unresolvedOnly bool) ([]*SecurityEvent, error)
	ResolveSecurityEvent(ctx context.Context, id string) error

	// Fraud alerts
	CreateFraudAlert(ctx context.Context, a *FraudAlert) error
	GetUserFraudAlerts(ctx context.Context, userID string, includeDismissed bool) ([]*FraudAlert, error)
	DismissFraudAlert(ctx context.Context, id string) error
}
