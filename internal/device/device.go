// Package device classifies devices from raw hardware/network/browser
// signals and bootstraps a persisted trust score.
//
// The identity hash uses only slowly-changing signals (version-stripped user
// agent, screen resolution, timezone, language, version-stripped GPU
// renderer) so OS and browser patch updates do not fragment device identity.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/graminpay/sentinel/internal/idgen"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/syncutil"
	"github.com/graminpay/sentinel/internal/traces"
)

// FingerprintStore is the storage subset the fingerprinter consumes.
type FingerprintStore interface {
	GetDeviceFingerprint(ctx context.Context, userID, deviceID string) (*store.DeviceFingerprint, error)
	CreateDeviceFingerprint(ctx context.Context, fp *store.DeviceFingerprint) error
	TouchDevice(ctx context.Context, userID, deviceID string, trustScore float64, seenAt time.Time) error
}

// RawSignals are the unprocessed device signals collected at the client.
// Volatile signals (battery, IP) inform risk factors but never the identity
// hash.
type RawSignals struct {
	UserAgent      string  `json:"userAgent"`
	Platform       string  `json:"platform,omitempty"`
	MemoryGB       float64 `json:"memoryGb"`
	CPUCores       int     `json:"cpuCores"`
	ScreenWidth    int     `json:"screenWidth"`
	ScreenHeight   int     `json:"screenHeight"`
	Timezone       string  `json:"timezone,omitempty"`
	Language       string  `json:"language,omitempty"`
	GPURenderer    string  `json:"gpuRenderer,omitempty"`
	CanvasHash     string  `json:"canvasHash,omitempty"` // empty = blocked
	WebGLHash      string  `json:"webglHash,omitempty"`  // empty = absent
	TouchSupport   bool    `json:"touchSupport"`
	OSVersion      float64 `json:"osVersion,omitempty"`
	GPSAccuracyM   float64 `json:"gpsAccuracyM,omitempty"` // 0 = unknown
	BatteryLevel   float64 `json:"batteryLevel,omitempty"`
	IPAddress      string  `json:"ipAddress,omitempty"`
	ConnectionType string  `json:"connectionType,omitempty"` // "2g".."4g", "wifi"
}

// Trust score bootstrap deltas. Start at 50, clamp [10,90].
const (
	trustInitial        = 50.0
	trustRuralBonus     = 10.0
	trustLowEndBonus    = 5.0
	trustRiskPenalty    = 5.0
	trustStabilityBonus = 2.0
	trustUniquePenalty  = 5.0 // too-unique is itself mildly suspicious
	trustFloor          = 10.0
	trustCeil           = 90.0
)

// Re-sight trust drift: matching signals slowly earn trust, a changed
// identity hash sheds it faster.
const (
	resightMatchDelta    = 1.0
	resightMismatchDelta = -5.0
)

// Fingerprinter processes raw signals into classified, trust-scored device
// fingerprints and persists them.
type Fingerprinter struct {
	store  FingerprintStore
	locks  *syncutil.ShardedMutex
	logger *slog.Logger
}

// NewFingerprinter creates a device fingerprinter.
func NewFingerprinter(s FingerprintStore, logger *slog.Logger) *Fingerprinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fingerprinter{store: s, locks: &syncutil.ShardedMutex{}, logger: logger}
}

// Fingerprint processes signals for a (userID, deviceID) pair. First sighting
// creates the fingerprint; later sightings atomically drift the trust score
// and refresh lastSeen. The get-then-update sequence is serialized per device
// so concurrent sightings never lose a trust update.
func (f *Fingerprinter) Fingerprint(ctx context.Context, userID, deviceID string, signals RawSignals, network store.NetworkInfo) (*store.DeviceFingerprint, error) {
	ctx, span := traces.StartSpan(ctx, "device.Fingerprint",
		traces.UserID(userID), traces.DeviceID(deviceID))
	defer span.End()

	unlock := f.locks.Lock(userID + "|" + deviceID)
	defer unlock()

	processed := f.process(signals)
	now := time.Now()

	existing, err := f.store.GetDeviceFingerprint(ctx, userID, deviceID)
	if err == nil {
		return f.resight(ctx, existing, processed, now)
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("device: lookup fingerprint: %w", err)
	}

	fp := &store.DeviceFingerprint{
		ID:               idgen.WithPrefix("dev_"),
		UserID:           userID,
		DeviceID:         deviceID,
		DeviceClass:      processed.class,
		RuralLikelihood:  processed.ruralLikelihood,
		UniquenessScore:  processed.uniqueness,
		StabilityFactors: processed.stability,
		RiskFactors:      processed.risks,
		SignalsHash:      processed.hash,
		Network:          network,
		TrustScore:       processed.trust,
		FirstSeen:        now,
		LastSeen:         now,
		IsActive:         true,
	}
	if err := f.store.CreateDeviceFingerprint(ctx, fp); err != nil {
		return nil, fmt.Errorf("device: create fingerprint: %w", err)
	}

	f.logger.Info("device fingerprinted",
		"user", userID, "device", deviceID, "class", fp.DeviceClass,
		"rural", fp.RuralLikelihood, "trust", fp.TrustScore)
	return fp, nil
}

// resight drifts trust on a repeat sighting and persists via the atomic
// TouchDevice update.
func (f *Fingerprinter) resight(ctx context.Context, fp *store.DeviceFingerprint, p processed, now time.Time) (*store.DeviceFingerprint, error) {
	delta := resightMatchDelta
	if p.hash != fp.SignalsHash {
		delta = resightMismatchDelta
	}
	trust := clamp(fp.TrustScore+delta, trustFloor, trustCeil)

	if err := f.store.TouchDevice(ctx, fp.UserID, fp.DeviceID, trust, now); err != nil {
		return nil, fmt.Errorf("device: touch fingerprint: %w", err)
	}
	fp.TrustScore = trust
	fp.LastSeen = now
	return fp, nil
}

// processed is the classification derived from one set of raw signals.
type processed struct {
	class           store.DeviceClass
	ruralLikelihood float64
	uniqueness      float64
	stability       []string
	risks           []string
	hash            string
	trust           float64
}

func (f *Fingerprinter) process(s RawSignals) processed {
	p := processed{
		class:           classify(s),
		ruralLikelihood: ruralLikelihood(s),
		hash:            StableHash(s),
	}
	p.uniqueness = uniquenessScore(p.hash)
	p.stability = stabilityFactors(s)
	p.risks = riskFactors(s)
	p.trust = initialTrust(p)
	return p
}

// classify buckets the device by a capability point system: low-end at 2
// points or fewer, mid-range at 5 or fewer, high-end above.
func classify(s RawSignals) store.DeviceClass {
	points := 0
	switch {
	case s.MemoryGB >= 4:
		points += 2
	case s.MemoryGB >= 2:
		points++
	}
	switch {
	case s.CPUCores >= 8:
		points += 2
	case s.CPUCores >= 4:
		points++
	}
	switch {
	case s.ScreenWidth >= 1080:
		points += 2
	case s.ScreenWidth >= 720:
		points++
	}
	switch s.ConnectionType {
	case "4g", "wifi":
		points += 2
	case "3g":
		points++
	}

	switch {
	case points <= 2:
		return store.ClassLowEnd
	case points <= 5:
		return store.ClassMidRange
	default:
		return store.ClassHighEnd
	}
}

// ruralIndicators are the rural-connectivity signal weights. Tuned as a
// table per deployment rather than scattered literals.
var ruralIndicators = []struct {
	weight float64
	match  func(RawSignals) bool
}{
	{8, func(s RawSignals) bool { return s.MemoryGB > 0 && s.MemoryGB <= 2 }},
	{10, func(s RawSignals) bool { return s.ConnectionType == "2g" || s.ConnectionType == "3g" }},
	{6, func(s RawSignals) bool { return s.GPSAccuracyM > 100 }},
	{5, func(s RawSignals) bool { return s.OSVersion > 0 && s.OSVersion < 10 }},
	{4, func(s RawSignals) bool { return s.WebGLHash == "" || s.CanvasHash == "" }},
	{5, func(s RawSignals) bool { return s.ScreenWidth > 0 && s.ScreenWidth < 720 }},
}

// ruralLikelihood sums matched indicator weights, scaled x3 and capped at 100.
func ruralLikelihood(s RawSignals) float64 {
	sum := 0.0
	for _, ind := range ruralIndicators {
		if ind.match(s) {
			sum += ind.weight
		}
	}
	return clamp(sum*3, 0, 100)
}

func stabilityFactors(s RawSignals) []string {
	var factors []string
	if s.UserAgent != "" {
		factors = append(factors, "user_agent_present")
	}
	if s.ScreenWidth > 0 && s.ScreenHeight > 0 {
		factors = append(factors, "screen_resolution_present")
	}
	if s.Timezone != "" {
		factors = append(factors, "timezone_present")
	}
	if s.Language != "" {
		factors = append(factors, "language_present")
	}
	if s.GPURenderer != "" {
		factors = append(factors, "gpu_renderer_present")
	}
	if s.CanvasHash != "" {
		factors = append(factors, "canvas_fingerprint_present")
	}
	return factors
}

func riskFactors(s RawSignals) []string {
	var risks []string
	if len(s.UserAgent) > 0 && len(s.UserAgent) < 40 {
		risks = append(risks, "user_agent_too_short")
	}
	if s.CanvasHash == "" && s.WebGLHash != "" {
		risks = append(risks, "canvas_fingerprinting_blocked")
	}
	if s.TouchSupport && isDesktopPlatform(s.Platform) {
		risks = append(risks, "touch_platform_mismatch")
	}
	if !s.TouchSupport && isMobilePlatform(s.Platform) {
		risks = append(risks, "touch_platform_mismatch")
	}
	if isPrivateIP(s.IPAddress) {
		risks = append(risks, "private_ip_possible_proxy")
	}
	return risks
}

func initialTrust(p processed) float64 {
	trust := trustInitial
	if p.ruralLikelihood >= 60 {
		trust += trustRuralBonus
	}
	if p.class == store.ClassLowEnd {
		trust += trustLowEndBonus
	}
	trust -= trustRiskPenalty * float64(len(p.risks))
	trust += trustStabilityBonus * float64(len(p.stability))
	if p.uniqueness > 90 {
		trust -= trustUniquePenalty
	}
	return clamp(trust, trustFloor, trustCeil)
}

// versionDigits strips version numbers so patch updates keep the hash stable.
var versionDigits = regexp.MustCompile(`\d+(\.\d+)*`)

// StableHash computes the device identity hash over slowly-changing signals
// only. Two signal sets differing solely in volatile fields (battery, IP,
// connection type) hash identically.
func StableHash(s RawSignals) string {
	parts := []string{
		versionDigits.ReplaceAllString(s.UserAgent, ""),
		fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight),
		s.Timezone,
		s.Language,
		versionDigits.ReplaceAllString(s.GPURenderer, ""),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// uniquenessScore maps the identity hash into a 20-100 band. Placeholder for
// population-frequency comparison against observed fingerprints.
func uniquenessScore(hash string) float64 {
	b, err := hex.DecodeString(hash[:16])
	if err != nil {
		return 20
	}
	return 20 + float64(binary.BigEndian.Uint64(b)%81)
}

func isDesktopPlatform(platform string) bool {
	p := strings.ToLower(platform)
	return strings.Contains(p, "win") || strings.Contains(p, "mac") || strings.Contains(p, "linux x86")
}

func isMobilePlatform(platform string) bool {
	p := strings.ToLower(platform)
	return strings.Contains(p, "android") || strings.Contains(p, "iphone") || strings.Contains(p, "arm")
}

func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && (parsed.IsPrivate() || parsed.IsLoopback())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
