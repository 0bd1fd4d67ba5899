package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/graminpay/sentinel/internal/device"
	"github.com/graminpay/sentinel/internal/idgen"
	"github.com/graminpay/sentinel/internal/logging"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/validation"
)

// Version info (set via ldflags in main)
var (
	Version = "dev"
	Commit  = "unknown"
)

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := http.StatusOK
	state := "healthy"
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":     state,
		"version":    Version,
		"commit":     Commit,
		"subsystems": statuses,
		"timestamp":  time.Now().UTC(),
	})
}

// livenessHandler is a lightweight check that the process is running
func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler checks if the server is ready to accept traffic
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "sentinel",
		"version": Version,
		"endpoints": gin.H{
			"transactions": "POST /v1/transactions",
			"anomaly":      "POST /v1/anomaly",
			"devices":      "POST /v1/devices/fingerprint",
			"simswap":      "POST /v1/simswap/detect",
			"agents":       "POST /v1/agents/:userId/analyze",
			"offline":      "POST /v1/offline/queue, POST /v1/offline/sync",
			"websocket":    "GET /ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Transaction scoring
// -----------------------------------------------------------------------------

type transactionRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DeviceID    string `json:"deviceId"`
	Type        string `json:"type" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Phone       string `json:"phone"`
}

// scoreTransaction creates a transaction and runs it through the scoring
// pipeline in one call. The response carries both the stored transaction and
// the full prediction with its reason lists.
func (s *Server) scoreTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidID("deviceId", req.DeviceID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidTransactionType("type", req.Type),
		validation.MaxLength("description", req.Description, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	if req.Phone != "" && !validation.IsValidPhone(req.Phone) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "phone must be 10-15 digits",
		})
		return
	}

	amount, _ := decimal.NewFromString(req.Amount)
	tx := &store.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		Type:        store.TransactionType(req.Type),
		Amount:      amount,
		Description: validation.SanitizeString(req.Description, 500),
		Location:    validation.SanitizeString(req.Location, 200),
		Timestamp:   time.Now(),
		Status:      store.StatusPending,
	}

	ctx := c.Request.Context()
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		logging.L(ctx).Error("failed to create transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to record transaction",
		})
		return
	}

	pred, err := s.fraudEngine.Score(ctx, tx, req.Phone)
	if err != nil {
		logging.L(ctx).Error("failed to score transaction", "tx", tx.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "scoring_error",
			"message": "Failed to score transaction",
		})
		return
	}

	s.realtimeHub.BroadcastDecision(tx.ID, tx.UserID, pred.FraudScore, string(pred.RecommendedAction))

	c.JSON(http.StatusCreated, gin.H{
		"transaction": tx,
		"prediction":  pred,
	})
}

// scoreAnomaly runs the cross-dimensional anomaly detector on a hypothetical
// transaction without persisting anything.
func (s *Server) scoreAnomaly(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidTransactionType("type", req.Type),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	amount, _ := decimal.NewFromString(req.Amount)
	tx := &store.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		Type:        store.TransactionType(req.Type),
		Amount:      amount,
		Description: validation.SanitizeString(req.Description, 500),
		Location:    validation.SanitizeString(req.Location, 200),
		Timestamp:   time.Now(),
	}

	score, err := s.anomalyEngine.Analyze(c.Request.Context(), tx)
	if err != nil {
		logging.L(c.Request.Context()).Error("anomaly analysis failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "analysis_error",
			"message": "Failed to analyze transaction",
		})
		return
	}

	c.JSON(http.StatusOK, score)
}

func (s *Server) listUserTransactions(c *gin.Context) {
	userID := c.Param("userId")

	txs, err := s.store.GetUserTransactions(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// -----------------------------------------------------------------------------
// Device fingerprinting
// -----------------------------------------------------------------------------

type fingerprintRequest struct {
	UserID   string            `json:"userId" binding:"required"`
	DeviceID string            `json:"deviceId" binding:"required"`
	Signals  device.RawSignals `json:"signals"`
	Network  store.NetworkInfo `json:"network"`
}

func (s *Server) fingerprintDevice(c *gin.Context) {
	var req fingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidID("deviceId", req.DeviceID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	fp, err := s.fingerprinter.Fingerprint(c.Request.Context(), req.UserID, req.DeviceID, req.Signals, req.Network)
	if err != nil {
		logging.L(c.Request.Context()).Error("fingerprinting failed",
			"user", req.UserID, "device", req.DeviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "fingerprint_error",
			"message": "Failed to process device signals",
		})
		return
	}

	c.JSON(http.StatusOK, fp)
}

func (s *Server) listUserDevices(c *gin.Context) {
	devices, err := s.store.GetUserDevices(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load devices",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// -----------------------------------------------------------------------------
// SIM-swap detection
// -----------------------------------------------------------------------------

type simSwapRequest struct {
	UserID   string            `json:"userId" binding:"required"`
	DeviceID string            `json:"deviceId"`
	Network  store.NetworkInfo `json:"network"`
}

// detectSimSwap compares the submitted network snapshot against the device's
// last known network identity. The prior snapshot comes from the stored
// fingerprint; a missing fingerprint means no prior (first sighting).
func (s *Server) detectSimSwap(c *gin.Context) {
	var req simSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidID("deviceId", req.DeviceID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()

	var old *store.NetworkInfo
	if req.DeviceID != "" {
		fp, err := s.store.GetDeviceFingerprint(ctx, req.UserID, req.DeviceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "storage_error",
				"message": "Failed to load device fingerprint",
			})
			return
		}
		if fp != nil {
			network := fp.Network
			old = &network
		}
	}

	if req.Network.Timestamp.IsZero() {
		req.Network.Timestamp = time.Now()
	}

	result, err := s.simswap.Detect(ctx, req.UserID, req.DeviceID, old, req.Network)
	if err != nil {
		logging.L(ctx).Error("sim swap detection failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "detection_error",
			"message": "Failed to run detection",
		})
		return
	}

	s.realtimeHub.BroadcastSimSwap(req.UserID, req.DeviceID, result.Score, result.Detected)

	c.JSON(http.StatusOK, result)
}

func (s *Server) listSimSwapEvents(c *gin.Context) {
	events, err := s.store.GetUserSimSwapEvents(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load detections",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"detections": events,
		"count":      len(events),
	})
}

type verifyRequest struct {
	Verified bool `json:"verified"`
}

// verifySimSwap marks a detection as user-verified (or cleared)
func (s *Server) verifySimSwap(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "detection id must be a valid identifier",
		})
		return
	}

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := s.store.VerifySimSwapDetection(c.Request.Context(), id, req.Verified); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "verified": req.Verified})
}

// -----------------------------------------------------------------------------
// Agent behavior analysis
// -----------------------------------------------------------------------------

type agentAnalyzeRequest struct {
	// Transactions in the batch under review. When empty, the agent's
	// most recent stored transactions are used as the batch.
	Transactions []*store.Transaction `json:"transactions"`
}

func (s *Server) analyzeAgent(c *gin.Context) {
	agentID := c.Param("userId")
	ctx := c.Request.Context()

	var req agentAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	recent := req.Transactions
	if len(recent) == 0 {
		var err error
		recent, err = s.store.GetUserTransactions(ctx, agentID, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "storage_error",
				"message": "Failed to load agent transactions",
			})
			return
		}
	}

	assessment, err := s.agentAnalyzer.Analyze(ctx, agentID, recent)
	if err != nil {
		logging.L(ctx).Error("agent analysis failed", "agent", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "analysis_error",
			"message": "Failed to analyze agent",
		})
		return
	}

	s.realtimeHub.BroadcastAgentScore(agentID, assessment.OverallScore, string(assessment.RecommendedAction))

	c.JSON(http.StatusOK, assessment)
}

// -----------------------------------------------------------------------------
// Offline queue
// -----------------------------------------------------------------------------

type offlineQueueRequest struct {
	UserID       string `json:"userId" binding:"required"`
	DeviceID     string `json:"deviceId" binding:"required"`
	DeviceSecret string `json:"deviceSecret" binding:"required"`
	Type         string `json:"type" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	Description  string `json:"description"`
	Location     string `json:"location"`
	Timestamp    string `json:"timestamp"` // RFC3339, when the tx happened offline
}

func (s *Server) queueOffline(c *gin.Context) {
	var req offlineQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidTransactionType("type", req.Type),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	ts := time.Now()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "timestamp must be RFC3339",
			})
			return
		}
		ts = parsed
	}

	amount, _ := decimal.NewFromString(req.Amount)
	tx := &store.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		Type:        store.TransactionType(req.Type),
		Amount:      amount,
		Description: validation.SanitizeString(req.Description, 500),
		Location:    validation.SanitizeString(req.Location, 200),
		Timestamp:   ts,
		Status:      store.StatusPending,
	}

	result, err := s.offline.Queue(c.Request.Context(), req.UserID, tx, req.DeviceID, req.DeviceSecret)
	if err != nil {
		logging.L(c.Request.Context()).Error("offline queue failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "queue_error",
			"message": "Failed to queue transaction",
		})
		return
	}

	status := http.StatusCreated
	if !result.Accepted {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

type offlineSyncRequest struct {
	UserID       string `json:"userId" binding:"required"`
	DeviceSecret string `json:"deviceSecret" binding:"required"`
}

func (s *Server) syncOffline(c *gin.Context) {
	var req offlineSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !validation.IsValidID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "userId must be a valid identifier",
		})
		return
	}

	result, err := s.offline.Sync(c.Request.Context(), req.UserID, req.DeviceSecret)
	if err != nil {
		logging.L(c.Request.Context()).Error("offline sync failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sync_error",
			"message": "Failed to sync queued transactions",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Alerts & security events
// -----------------------------------------------------------------------------

func (s *Server) listAlerts(c *gin.Context) {
	includeDismissed := c.Query("all") == "true"

	alerts, err := s.store.GetUserFraudAlerts(c.Request.Context(), c.Param("userId"), includeDismissed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load alerts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) dismissAlert(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "alert id must be a valid identifier",
		})
		return
	}

	if err := s.store.DismissFraudAlert(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "dismissed": true})
}

func (s *Server) listSecurityEvents(c *gin.Context) {
	unresolvedOnly := c.Query("unresolved") == "true"

	events, err := s.store.GetUserSecurityEvents(c.Request.Context(), c.Param("userId"), unresolvedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load security events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) resolveSecurityEvent(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "event id must be a valid identifier",
		})
		return
	}

	if err := s.store.ResolveSecurityEvent(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

// -----------------------------------------------------------------------------
// Watchlist & logins
// -----------------------------------------------------------------------------

type watchlistRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	Phone    string `json:"phone"`
}

// addToWatchlist blacklists any combination of user, device, and phone.
// Blacklisted identities force a block on every subsequent transaction.
func (s *Server) addToWatchlist(c *gin.Context) {
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if req.UserID == "" && req.DeviceID == "" && req.Phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "at least one of userId, deviceId, phone is required",
		})
		return
	}

	added := gin.H{}
	if req.UserID != "" {
		s.blacklist.AddUser(req.UserID)
		added["userId"] = req.UserID
	}
	if req.DeviceID != "" {
		s.blacklist.AddDevice(req.DeviceID)
		added["deviceId"] = req.DeviceID
	}
	if req.Phone != "" {
		s.blacklist.AddPhone(req.Phone)
		added["phone"] = req.Phone
	}

	logging.L(c.Request.Context()).Info("watchlist updated",
		"user", req.UserID, "device", req.DeviceID)

	c.JSON(http.StatusCreated, gin.H{"added": added})
}

type loginRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Success bool   `json:"success"`
}

// recordLogin feeds login outcomes into the lockout guard. Repeated failures
// lock the account, which forces a block on transactions while locked.
func (s *Server) recordLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !validation.IsValidID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "userId must be a valid identifier",
		})
		return
	}

	if req.Success {
		s.loginGuard.RecordSuccess(req.UserID)
		c.JSON(http.StatusOK, gin.H{"lockedOut": false})
		return
	}

	lockedOut := s.loginGuard.RecordFailure(req.UserID)
	if lockedOut {
		s.realtimeHub.BroadcastAlert(req.UserID, "account_lockout", "Account locked after repeated failed logins")
	}

	c.JSON(http.StatusOK, gin.H{"lockedOut": lockedOut})
}
