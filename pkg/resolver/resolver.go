// Package resolver is a typed, timeout-bounded facade over DNS lookups.
// NXDOMAIN and empty answers are successes (empty slice); timeouts surface as
// a typed error so callers can tell "no record" from "no answer".
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mailproof/pkg/config"
	"mailproof/pkg/logging"

	"github.com/miekg/dns"
)

// MX is a single mail exchanger record.
type MX struct {
	Exchange string
	Priority uint16
}

// TimeoutError reports a DNS lookup that did not answer within the
// configured deadline. NXDOMAIN is never a TimeoutError.
type TimeoutError struct {
	Host   string
	Qtype  string
	Server string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dns timeout: %s %s via %s", e.Qtype, e.Host, e.Server)
}

// Timeout implements net.Error-style reporting.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is (or wraps) a resolver timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Resolver queries a fixed set of DNS servers round-robin.
type Resolver struct {
	servers []string
	index   atomic.Uint32
	timeout time.Duration
	logger  *logging.Logger

	clientPool sync.Pool
}

// New creates a resolver from configuration. Server entries without a port
// get the default DNS port.
func New(cfg *config.DNSConfig, logger *logging.Logger) *Resolver {
	servers := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			servers[i] = net.JoinHostPort(s, "53")
		} else {
			servers[i] = s
		}
	}

	r := &Resolver{
		servers: servers,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	r.clientPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: r.timeout,
		}
	}

	logger.Info("Resolver initialized",
		"servers", servers,
		"timeout", r.timeout,
	)
	return r
}

// CNAME resolves the CNAME records of host. Targets come back normalized
// (lowercased, no trailing dot).
func (r *Resolver) CNAME(ctx context.Context, host string) ([]string, error) {
	msg, err := r.query(ctx, host, dns.TypeCNAME)
	if err != nil || msg == nil {
		return nil, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if c, ok := rr.(*dns.CNAME); ok {
			out = append(out, NormalizeHost(c.Target))
		}
	}
	return out, nil
}

// MX resolves the mail exchangers of host.
func (r *Resolver) MX(ctx context.Context, host string) ([]MX, error) {
	msg, err := r.query(ctx, host, dns.TypeMX)
	if err != nil || msg == nil {
		return nil, err
	}
	var out []MX
	for _, rr := range msg.Answer {
		if m, ok := rr.(*dns.MX); ok {
			out = append(out, MX{
				Exchange: NormalizeHost(m.Mx),
				Priority: m.Preference,
			})
		}
	}
	return out, nil
}

// TXT resolves the TXT records of host. Character-string chunks of a single
// record are concatenated without a separator, per RFC 7208 §3.3.
func (r *Resolver) TXT(ctx context.Context, host string) ([]string, error) {
	msg, err := r.query(ctx, host, dns.TypeTXT)
	if err != nil || msg == nil {
		return nil, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(t.Txt, ""))
		}
	}
	return out, nil
}

// A resolves the IPv4 addresses of host.
func (r *Resolver) A(ctx context.Context, host string) ([]string, error) {
	msg, err := r.query(ctx, host, dns.TypeA)
	if err != nil || msg == nil {
		return nil, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, NormalizeIP(a.A.String()))
		}
	}
	return out, nil
}

// AAAA resolves the IPv6 addresses of host.
func (r *Resolver) AAAA(ctx context.Context, host string) ([]string, error) {
	msg, err := r.query(ctx, host, dns.TypeAAAA)
	if err != nil || msg == nil {
		return nil, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			out = append(out, NormalizeIP(a.AAAA.String()))
		}
	}
	return out, nil
}

// query sends one question and returns the response message. NXDOMAIN and
// NOERROR-with-no-data return (nil, nil). Truncated UDP answers are retried
// over TCP against the same server.
func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (*dns.Msg, error) {
	name := NormalizeHost(host)
	if name == "" {
		return nil, fmt.Errorf("empty host")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	server := r.selectServer()
	qtypeStr := dns.TypeToString[qtype]

	client := r.clientPool.Get().(*dns.Client)
	defer r.clientPool.Put(client)

	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, &TimeoutError{Host: name, Qtype: qtypeStr, Server: server}
		}
		return nil, fmt.Errorf("dns query %s %s via %s: %w", qtypeStr, name, server, err)
	}

	if resp.Truncated {
		r.logger.Debug("Truncated answer, retrying over TCP",
			"host", name,
			"type", qtypeStr,
			"server", server,
		)
		tcpClient := &dns.Client{Net: "tcp", Timeout: r.timeout}
		resp, _, err = tcpClient.ExchangeContext(ctx, m, server)
		if err != nil {
			if isTimeoutErr(err) {
				return nil, &TimeoutError{Host: name, Qtype: qtypeStr, Server: server}
			}
			return nil, fmt.Errorf("dns tcp retry %s %s via %s: %w", qtypeStr, name, server, err)
		}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp, nil
	case dns.RcodeNameError:
		// NXDOMAIN: the record simply is not there yet.
		return nil, nil
	default:
		return nil, fmt.Errorf("dns query %s %s via %s: rcode %s",
			qtypeStr, name, server, dns.RcodeToString[resp.Rcode])
	}
}

// selectServer selects the next server using round-robin
func (r *Resolver) selectServer() string {
	idx := r.index.Add(1) % uint32(len(r.servers))
	return r.servers[idx]
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// NormalizeHost lowercases a DNS name and strips the trailing dot.
func NormalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}

// NormalizeIP lowercases and trims an IP string.
func NormalizeIP(ip string) string {
	return strings.ToLower(strings.TrimSpace(ip))
}
