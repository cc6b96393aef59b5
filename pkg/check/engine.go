// Package check compares a target domain's live DNS records against the
// expected profile and produces a bounded, persistable verdict.
package check

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"mailproof/pkg/config"
	"mailproof/pkg/logging"
	"mailproof/pkg/resolver"
	"mailproof/pkg/sanitize"
)

// Requirement keys, in report order.
const (
	KeyCNAME = "cname"
	KeyMX    = "mx"
	KeySPF   = "spf"
	KeyDMARC = "dmarc"
	KeyDKIM  = "dkim"
)

// Lookups is the resolver surface the engine depends on.
type Lookups interface {
	CNAME(ctx context.Context, host string) ([]string, error)
	MX(ctx context.Context, host string) ([]resolver.MX, error)
	TXT(ctx context.Context, host string) ([]string, error)
	A(ctx context.Context, host string) ([]string, error)
	AAAA(ctx context.Context, host string) ([]string, error)
}

// Verdict is the per-requirement comparison outcome.
type Verdict struct {
	Key            string   `json:"key"`
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Expected       string   `json:"expected"`
	Found          []string `json:"found"`
	OK             bool     `json:"ok"`
	FoundTruncated bool     `json:"found_truncated,omitempty"`

	// CNAME chain-walk detail, only set in authorized-IP mode.
	ExpectedIPs []string `json:"expected_ips,omitempty"`
	FoundIPs    []string `json:"found_ips,omitempty"`
	ChainReason string   `json:"chain_reason,omitempty"`
}

// Snapshot is the sanitized record of everything resolved in one cycle.
// Exactly one of the list fields, Counts, or Note is populated depending on
// how aggressively the payload had to be summarized.
type Snapshot struct {
	ApexCNAME *sanitize.CappedList `json:"apex_cname,omitempty"`
	DKIMCNAME *sanitize.CappedList `json:"dkim_cname,omitempty"`
	MX        *sanitize.CappedList `json:"mx,omitempty"`
	ApexTXT   *sanitize.CappedList `json:"apex_txt,omitempty"`
	DMARCTXT  *sanitize.CappedList `json:"dmarc_txt,omitempty"`
	Counts    map[string]int       `json:"counts,omitempty"`
	Note      string               `json:"note,omitempty"`
}

// Result is one full validation cycle.
type Result struct {
	OK        bool      `json:"ok"`
	Missing   []Verdict `json:"missing"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Engine runs validation cycles against a hot-swappable expected profile.
type Engine struct {
	res     Lookups
	profile atomic.Pointer[config.Profile]
	caps    config.DNSConfig
	logger  *logging.Logger
}

// NewEngine creates a validation engine.
func NewEngine(res Lookups, profile *config.Profile, caps *config.DNSConfig, logger *logging.Logger) *Engine {
	e := &Engine{
		res:    res,
		caps:   *caps,
		logger: logger,
	}
	e.profile.Store(profile)
	return e
}

// SetProfile swaps the expected profile. Safe to call while checks run;
// in-flight cycles finish against the profile they started with.
func (e *Engine) SetProfile(p *config.Profile) {
	e.profile.Store(p)
}

// Profile returns the current expected profile.
func (e *Engine) Profile() *config.Profile {
	return e.profile.Load()
}

// DMARCName returns the TXT owner name carrying the DMARC policy for apex.
func DMARCName(apex string) string {
	return "_dmarc." + apex
}

// DKIMName returns the CNAME owner name for the DKIM selector under apex.
func DKIMName(selector, apex string) string {
	return selector + "._domainkey." + apex
}

// Check resolves the full record set for target and compares it against the
// expected profile. The target must already be normalized. Resolution errors
// (including timeouts) abort the cycle; NXDOMAIN does not.
func (e *Engine) Check(ctx context.Context, apex string) (*Result, error) {
	p := e.profile.Load()
	dkimName := DKIMName(p.DKIMSelector, apex)
	dmarcName := DMARCName(apex)

	apexCNAME, err := e.res.CNAME(ctx, apex)
	if err != nil {
		return nil, fmt.Errorf("resolve CNAME %s: %w", apex, err)
	}

	dkimConfigured := p.DKIMSelector != "" && p.DKIMCNAMEExpected != ""
	var dkimCNAME []string
	if dkimConfigured {
		dkimCNAME, err = e.res.CNAME(ctx, dkimName)
		if err != nil {
			return nil, fmt.Errorf("resolve CNAME %s: %w", dkimName, err)
		}
	}

	mxs, err := e.res.MX(ctx, apex)
	if err != nil {
		return nil, fmt.Errorf("resolve MX %s: %w", apex, err)
	}

	apexTXT, err := e.res.TXT(ctx, apex)
	if err != nil {
		return nil, fmt.Errorf("resolve TXT %s: %w", apex, err)
	}

	dmarcTXT, err := e.res.TXT(ctx, dmarcName)
	if err != nil {
		return nil, fmt.Errorf("resolve TXT %s: %w", dmarcName, err)
	}

	cnameVerdict, err := e.checkCNAME(ctx, p, apex, apexCNAME)
	if err != nil {
		return nil, err
	}

	verdicts := []Verdict{
		cnameVerdict,
		e.checkMX(p, apex, mxs),
		e.checkTXT(KeySPF, apex, apexTXT, p.SPFExpected),
		e.checkTXT(KeyDMARC, dmarcName, dmarcTXT, p.DMARCExpected),
	}
	if dkimConfigured {
		verdicts = append(verdicts, e.checkDKIM(p, dkimName, dkimCNAME))
	}

	ok := true
	for _, v := range verdicts {
		ok = ok && v.OK
	}

	res := &Result{
		OK:        ok,
		Missing:   verdicts,
		CheckedAt: time.Now().UTC(),
		Snapshot:  e.snapshot(apexCNAME, dkimCNAME, mxs, apexTXT, dmarcTXT),
	}
	return res, nil
}

func (e *Engine) checkCNAME(ctx context.Context, p *config.Profile, apex string, found []string) (Verdict, error) {
	capped := sanitize.CapList(found, e.caps.MaxRecords, e.caps.MaxHostLength)
	v := Verdict{
		Key:            KeyCNAME,
		Type:           "CNAME",
		Name:           apex,
		Expected:       p.UICNAMEExpected,
		Found:          capped.Values,
		FoundTruncated: capped.Truncated,
	}

	// Authorized-IP mode replaces the direct string comparison entirely.
	if len(p.UICNAMEAuthorizedIPs) > 0 {
		chain, err := resolver.WalkChain(ctx, e.res, apex, p.UICNAMEAuthorizedIPs, p.UICNAMEMaxChainDepth)
		if err != nil {
			return v, fmt.Errorf("cname chain walk %s: %w", apex, err)
		}
		v.OK = chain.OK
		v.ChainReason = chain.Reason
		v.ExpectedIPs = p.UICNAMEAuthorizedIPs
		ips := sanitize.CapList(chain.ResolvedIPs, e.caps.MaxRecords, e.caps.MaxHostLength)
		v.FoundIPs = ips.Values
		return v, nil
	}

	expected := resolver.NormalizeHost(p.UICNAMEExpected)
	for _, c := range found {
		if resolver.NormalizeHost(c) == expected && expected != "" {
			v.OK = true
			break
		}
	}
	return v, nil
}

func (e *Engine) checkMX(p *config.Profile, apex string, mxs []resolver.MX) Verdict {
	rendered := make([]string, len(mxs))
	for i, m := range mxs {
		rendered[i] = fmt.Sprintf("%d %s", m.Priority, m.Exchange)
	}
	capped := sanitize.CapList(rendered, e.caps.MaxRecords, e.caps.MaxHostLength)

	v := Verdict{
		Key:            KeyMX,
		Type:           "MX",
		Name:           apex,
		Expected:       fmt.Sprintf("%d %s", p.MXExpectedPriority, p.MXExpectedHost),
		Found:          capped.Values,
		FoundTruncated: capped.Truncated,
	}

	expectedHost := resolver.NormalizeHost(p.MXExpectedHost)
	for _, m := range mxs {
		// Both exchange and priority must match, strictly.
		if resolver.NormalizeHost(m.Exchange) == expectedHost && int(m.Priority) == p.MXExpectedPriority {
			v.OK = true
			break
		}
	}
	return v
}

func (e *Engine) checkTXT(key, name string, records []string, expected string) Verdict {
	capped := sanitize.CapList(records, e.caps.MaxTXTRecords, e.caps.MaxTXTLength)
	v := Verdict{
		Key:            key,
		Type:           "TXT",
		Name:           name,
		Expected:       expected,
		Found:          capped.Values,
		FoundTruncated: capped.Truncated,
	}

	// Exact match after normalization, never substring.
	want := normalizeTXT(expected)
	if want == "" {
		return v
	}
	for _, r := range records {
		if normalizeTXT(r) == want {
			v.OK = true
			break
		}
	}
	return v
}

func (e *Engine) checkDKIM(p *config.Profile, dkimName string, found []string) Verdict {
	capped := sanitize.CapList(found, e.caps.MaxRecords, e.caps.MaxHostLength)
	v := Verdict{
		Key:            KeyDKIM,
		Type:           "CNAME",
		Name:           dkimName,
		Expected:       p.DKIMCNAMEExpected,
		Found:          capped.Values,
		FoundTruncated: capped.Truncated,
	}

	expected := resolver.NormalizeHost(p.DKIMCNAMEExpected)
	for _, c := range found {
		if resolver.NormalizeHost(c) == expected {
			v.OK = true
			break
		}
	}
	return v
}

func (e *Engine) snapshot(apexCNAME, dkimCNAME []string, mxs []resolver.MX, apexTXT, dmarcTXT []string) *Snapshot {
	renderedMX := make([]string, len(mxs))
	for i, m := range mxs {
		renderedMX[i] = fmt.Sprintf("%d %s", m.Priority, m.Exchange)
	}

	capHosts := func(values []string) *sanitize.CappedList {
		c := sanitize.CapList(values, e.caps.MaxRecords, e.caps.MaxHostLength)
		return &c
	}
	capTXT := func(values []string) *sanitize.CappedList {
		c := sanitize.CapList(values, e.caps.MaxTXTRecords, e.caps.MaxTXTLength)
		return &c
	}

	return &Snapshot{
		ApexCNAME: capHosts(apexCNAME),
		DKIMCNAME: capHosts(dkimCNAME),
		MX:        capHosts(renderedMX),
		ApexTXT:   capTXT(apexTXT),
		DMARCTXT:  capTXT(dmarcTXT),
	}
}

// normalizeTXT collapses whitespace, trims, and lowercases a TXT value for
// exact comparison.
func normalizeTXT(s string) string {
	return strings.ToLower(sanitize.CollapseSpace(s))
}
