package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mailproof/pkg/check"
	"mailproof/pkg/config"
	"mailproof/pkg/store"
	"mailproof/pkg/target"
)

type checkDNSRow struct {
	ID            int64           `json:"id"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"created_at"`
	ExpiresAt     string          `json:"expires_at"`
	LastCheckedAt *string         `json:"last_checked_at"`
	NextCheckAt   *string         `json:"next_check_at"`
	Missing       []check.Verdict `json:"missing"`
}

type checkDNSSummary struct {
	HasUI            bool    `json:"has_ui"`
	HasEmail         bool    `json:"has_email"`
	OverallStatus    string  `json:"overall_status"`
	ExpiresAtMin     *string `json:"expires_at_min"`
	LastCheckedAtMax *string `json:"last_checked_at_max"`
	NextCheckAtMin   *string `json:"next_check_at_min"`
}

type checkDNSResponse struct {
	Target           string          `json:"target"`
	NormalizedTarget string          `json:"normalized_target"`
	Summary          checkDNSSummary `json:"summary"`
	UI               *checkDNSRow    `json:"ui"`
	Email            *checkDNSRow    `json:"email"`
}

// handleCheckDNS reports the current validation state of a target. Strictly
// read-only: it never creates requests or jobs, and live lookups are
// debounced.
func (s *Server) handleCheckDNS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if token := s.checkDNSCfg.Token; token != "" {
		if r.Header.Get("x-api-key") != token {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	normalized, err := target.Normalize(r.PathValue("target"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}

	rows, err := s.store.FindByTargetAll(ctx, normalized)
	if err != nil {
		s.logger.Error("Status lookup failed", "target", normalized, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if len(rows) == 0 {
		s.writeError(w, http.StatusNotFound, "not_found")
		return
	}

	var uiRow, emailRow *store.Request
	for _, row := range rows {
		switch {
		case row.Type == store.TypeEmail && emailRow == nil:
			emailRow = row
		case row.Type == store.TypeUI && uiRow == nil:
			uiRow = row
		}
	}

	// Live lookups are only considered for the primary row (EMAIL, with the
	// retired UI type as a historical fallback).
	selected := emailRow
	if selected == nil {
		selected = uiRow
	}

	resp := checkDNSResponse{
		Target:           normalized,
		NormalizedTarget: normalized,
	}
	if uiRow != nil {
		resp.UI = s.renderRow(ctx, uiRow, normalized, uiRow == selected)
	}
	if emailRow != nil {
		resp.Email = s.renderRow(ctx, emailRow, normalized, emailRow == selected)
	}
	resp.Summary = summarizeRows(uiRow, emailRow)

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) renderRow(ctx context.Context, row *store.Request, apex string, allowLive bool) *checkDNSRow {
	out := &checkDNSRow{
		ID:            row.ID,
		Status:        string(row.Status),
		CreatedAt:     row.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     row.ExpiresAt.Format(time.RFC3339),
		LastCheckedAt: formatOptional(row.LastCheckedAt),
		NextCheckAt:   formatOptional(row.NextCheckAt),
		Missing:       s.missingFor(ctx, row, apex, allowLive),
	}
	return out
}

// missingFor produces the per-requirement verdict list for a row: the parsed
// persisted payload when present, a debounced live check when allowed, and
// the synthetic fallback otherwise.
func (s *Server) missingFor(ctx context.Context, row *store.Request, apex string, allowLive bool) []check.Verdict {
	profile := s.engine.Profile()

	if row.LastCheckResultJSON != "" {
		var result check.Result
		if err := json.Unmarshal([]byte(row.LastCheckResultJSON), &result); err == nil {
			return unifyMissing(result.Missing, profile, apex)
		}
		s.logger.Warn("Unparseable persisted check result", "id", row.ID)
	}

	if allowLive && s.debounce.Allow(row.Key(), row.LastCheckedAt) {
		result, err := s.engine.Check(ctx, apex)
		if err == nil {
			if err := s.store.TouchLastChecked(ctx, row.ID, result.CheckedAt); err != nil {
				s.logger.Error("Failed to stamp last check", "id", row.ID, "error", err)
			}
			return unifyMissing(result.Missing, profile, apex)
		}
		s.logger.Warn("Read-only live check failed", "target", apex, "error", err)
	}

	return unifyMissing(nil, profile, apex)
}

// unifyMissing guarantees exactly one entry for CNAME, MX, SPF and DMARC (and
// DKIM when configured or reported), in that order, re-annotating name and
// type from the key and falling back to expected-only entries.
func unifyMissing(verdicts []check.Verdict, p *config.Profile, apex string) []check.Verdict {
	byKey := make(map[string]check.Verdict, len(verdicts))
	for _, v := range verdicts {
		if _, dup := byKey[v.Key]; !dup {
			byKey[v.Key] = v
		}
	}

	keys := []string{check.KeyCNAME, check.KeyMX, check.KeySPF, check.KeyDMARC}
	_, sawDKIM := byKey[check.KeyDKIM]
	if sawDKIM || (p.DKIMSelector != "" && p.DKIMCNAMEExpected != "") {
		keys = append(keys, check.KeyDKIM)
	}

	out := make([]check.Verdict, 0, len(keys))
	for _, key := range keys {
		v, ok := byKey[key]
		if !ok {
			v = fallbackVerdict(key, p, apex)
		}
		v.Name, v.Type = annotateKey(key, p, apex)
		if v.Found == nil {
			v.Found = []string{}
		}
		out = append(out, v)
	}
	return out
}

func annotateKey(key string, p *config.Profile, apex string) (name, typ string) {
	switch key {
	case check.KeyCNAME:
		return apex, "CNAME"
	case check.KeyMX:
		return apex, "MX"
	case check.KeySPF:
		return apex, "TXT"
	case check.KeyDMARC:
		return check.DMARCName(apex), "TXT"
	case check.KeyDKIM:
		return check.DKIMName(p.DKIMSelector, apex), "CNAME"
	}
	return apex, ""
}

// fallbackVerdict is the synthetic entry used when no check data exists yet.
func fallbackVerdict(key string, p *config.Profile, apex string) check.Verdict {
	v := check.Verdict{
		Key:   key,
		Found: []string{},
	}
	switch key {
	case check.KeyCNAME:
		v.Expected = p.UICNAMEExpected
		if len(p.UICNAMEAuthorizedIPs) > 0 {
			v.ExpectedIPs = p.UICNAMEAuthorizedIPs
		}
	case check.KeyMX:
		v.Expected = fmt.Sprintf("%d %s", p.MXExpectedPriority, p.MXExpectedHost)
	case check.KeySPF:
		v.Expected = p.SPFExpected
	case check.KeyDMARC:
		v.Expected = p.DMARCExpected
	case check.KeyDKIM:
		v.Expected = p.DKIMCNAMEExpected
	}
	return v
}

func summarizeRows(uiRow, emailRow *store.Request) checkDNSSummary {
	sum := checkDNSSummary{
		HasUI:    uiRow != nil,
		HasEmail: emailRow != nil,
	}

	switch {
	case uiRow == nil && emailRow == nil:
		sum.OverallStatus = "NONE"
	case uiRow == nil:
		sum.OverallStatus = string(emailRow.Status)
	case emailRow == nil:
		sum.OverallStatus = string(uiRow.Status)
	case uiRow.Status == emailRow.Status:
		sum.OverallStatus = string(uiRow.Status)
	default:
		sum.OverallStatus = "MIXED"
	}

	for _, row := range []*store.Request{uiRow, emailRow} {
		if row == nil {
			continue
		}
		sum.ExpiresAtMin = keepMin(sum.ExpiresAtMin, row.ExpiresAt)
		if row.LastCheckedAt != nil {
			sum.LastCheckedAtMax = keepMax(sum.LastCheckedAtMax, *row.LastCheckedAt)
		}
		if row.NextCheckAt != nil {
			sum.NextCheckAtMin = keepMin(sum.NextCheckAtMin, *row.NextCheckAt)
		}
	}
	return sum
}

func keepMin(current *string, candidate time.Time) *string {
	formatted := candidate.Format(time.RFC3339)
	if current == nil || formatted < *current {
		return &formatted
	}
	return current
}

func keepMax(current *string, candidate time.Time) *string {
	formatted := candidate.Format(time.RFC3339)
	if current == nil || formatted > *current {
		return &formatted
	}
	return current
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(time.RFC3339)
	return &formatted
}

// debounceMap throttles read-only live checks to one per key per minimum
// interval. Bounded: once past maxEntries, entries older than twice the
// interval are swept.
type debounceMap struct {
	mu          sync.Mutex
	lastRun     map[string]time.Time
	minInterval time.Duration
	maxEntries  int
	now         func() time.Time
}

func newDebounceMap(minInterval time.Duration) *debounceMap {
	return &debounceMap{
		lastRun:     make(map[string]time.Time),
		minInterval: minInterval,
		maxEntries:  10000,
		now:         time.Now,
	}
}

// Allow reports whether a live check may run now, consulting both the
// in-memory map and the persisted last-checked time. An allowed call records
// the run.
func (d *debounceMap) Allow(key string, persistedLast *time.Time) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.lastRun) > d.maxEntries {
		d.sweepLocked(now)
	}

	if last, ok := d.lastRun[key]; ok && now.Sub(last) < d.minInterval {
		return false
	}
	if persistedLast != nil && now.Sub(*persistedLast) < d.minInterval {
		return false
	}

	d.lastRun[key] = now
	return true
}

func (d *debounceMap) sweepLocked(now time.Time) {
	cutoff := now.Add(-2 * d.minInterval)
	for key, last := range d.lastRun {
		if last.Before(cutoff) {
			delete(d.lastRun, key)
		}
	}
}
