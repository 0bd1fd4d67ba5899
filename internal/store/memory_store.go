package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for dev/test use.
// All methods are safe for concurrent use; TouchDevice performs its
// read-modify-write under the write lock so trust updates never race.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string][]*Transaction       // userID → txs, append order
	txByID       map[string]*Transaction         // id → tx
	devices      map[string]*DeviceFingerprint   // userID|deviceID → fp
	simSwaps     map[string][]*SimSwapDetection  // userID → detections
	simByID      map[string]*SimSwapDetection    // id → detection
	events       map[string][]*SecurityEvent     // userID → events
	eventByID    map[string]*SecurityEvent       // id → event
	alerts       map[string][]*FraudAlert        // userID → alerts
	alertByID    map[string]*FraudAlert          // id → alert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string][]*Transaction),
		txByID:       make(map[string]*Transaction),
		devices:      make(map[string]*DeviceFingerprint),
		simSwaps:     make(map[string][]*SimSwapDetection),
		simByID:      make(map[string]*SimSwapDetection),
		events:       make(map[string][]*SecurityEvent),
		eventByID:    make(map[string]*SecurityEvent),
		alerts:       make(map[string][]*FraudAlert),
		alertByID:    make(map[string]*FraudAlert),
	}
}

func deviceKey(userID, deviceID string) string { return userID + "|" + deviceID }

// -------------------------------------------------------------------------
// Transactions
// -------------------------------------------------------------------------

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *tx
	s.transactions[tx.UserID] = append(s.transactions[tx.UserID], &c)
	s.txByID[tx.ID] = &c
	return nil
}

func (s *MemoryStore) SetTransactionScore(ctx context.Context, id string, fraudScore float64, status TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txByID[id]
	if !ok {
		return ErrNotFound
	}
	tx.FraudScore = fraudScore
	tx.Status = status
	return nil
}

func (s *MemoryStore) GetUserTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[userID]
	result := make([]*Transaction, 0, len(all))
	for _, tx := range all {
		c := *tx
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) GetAgentTransactions(ctx context.Context, agentID string, days, offsetDays int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	to := now.Add(-time.Duration(offsetDays) * 24 * time.Hour)
	from := to.Add(-time.Duration(days) * 24 * time.Hour)

	var result []*Transaction
	for _, tx := range s.transactions[agentID] {
		if tx.Timestamp.After(from) && !tx.Timestamp.After(to) {
			c := *tx
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result, nil
}

// -------------------------------------------------------------------------
// Device fingerprints
// -------------------------------------------------------------------------

func (s *MemoryStore) CreateDeviceFingerprint(ctx context.Context, fp *DeviceFingerprint) error {
	if fp.TrustScore < 10 || fp.TrustScore > 90 {
		return ErrTrustOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey(fp.UserID, fp.DeviceID)
	if _, exists := s.devices[key]; exists {
		return ErrDuplicateDevice
	}
	c := *fp
	c.StabilityFactors = append([]string(nil), fp.StabilityFactors...)
	c.RiskFactors = append([]string(nil), fp.RiskFactors...)
	s.devices[key] = &c
	return nil
}

func (s *MemoryStore) GetDeviceFingerprint(ctx context.Context, userID, deviceID string) (*DeviceFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *fp
	return &c, nil
}

func (s *MemoryStore) GetUserDevices(ctx context.Context, userID string) ([]*DeviceFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*DeviceFingerprint
	for _, fp := range s.devices {
		if fp.UserID == userID {
			c := *fp
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FirstSeen.Before(result[j].FirstSeen) })
	return result, nil
}

func (s *MemoryStore) TouchDevice(ctx context.Context, userID, deviceID string, trustScore float64, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return ErrNotFound
	}
	fp.TrustScore = trustScore
	fp.LastSeen = seenAt
	return nil
}

// -------------------------------------------------------------------------
// SIM swap detections
// -------------------------------------------------------------------------

func (s *MemoryStore) CreateSimSwapDetection(ctx context.Context, d *SimSwapDetection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *d
	s.simSwaps[d.UserID] = append(s.simSwaps[d.UserID], &c)
	s.simByID[d.ID] = &c
	return nil
}

func (s *MemoryStore) GetUserSimSwapEvents(ctx context.Context, userID string) ([]*SimSwapDetection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.simSwaps[userID]
	result := make([]*SimSwapDetection, 0, len(all))
	for _, d := range all {
		c := *d
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) VerifySimSwapDetection(ctx context.Context, id string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.simByID[id]
	if !ok {
		return ErrNotFound
	}
	d.Verified = verified
	return nil
}

// -------------------------------------------------------------------------
// Security events
// -------------------------------------------------------------------------

func (s *MemoryStore) CreateSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ev
	if ev.Details != nil {
		details := make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			details[k] = v
		}
		c.Details = details
	}
	s.events[ev.UserID] = append(s.events[ev.UserID], &c)
	s.eventByID[ev.ID] = &c
	return nil
}

func (s *MemoryStore) GetUserSecurityEvents(ctx context.Context, userID string, unresolvedOnly bool) ([]*SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*SecurityEvent
	for _, ev := range s.events[userID] {
		if unresolvedOnly && ev.Resolved {
			continue
		}
		c := *ev
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) ResolveSecurityEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.eventByID[id]
	if !ok {
		return ErrNotFound
	}
	ev.Resolved = true
	return nil
}

// -------------------------------------------------------------------------
// Fraud alerts
// -------------------------------------------------------------------------

func (s *MemoryStore) CreateFraudAlert(ctx context.Context, a *FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *a
	s.alerts[a.UserID] = append(s.alerts[a.UserID], &c)
	s.alertByID[a.ID] = &c
	return nil
}

func (s *MemoryStore) GetUserFraudAlerts(ctx context.Context, userID string, includeDismissed bool) ([]*FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*FraudAlert
	for _, a := range s.alerts[userID] {
		if !includeDismissed && a.Dismissed {
			continue
		}
		c := *a
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) DismissFraudAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alertByID[id]
	if !ok {
		return ErrNotFound
	}
	a.Dismissed = true
	return nil
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
