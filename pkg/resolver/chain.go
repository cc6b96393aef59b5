package resolver

import "context"

// Chain walk outcomes, most specific first. When both depth exhaustion and a
// loop occur, depth wins.
const (
	ReasonAuthorizedIPMatch    = "authorized_ip_match"
	ReasonDirectIPMatch        = "direct_ip_match"
	ReasonMaxChainDepthReached = "max_chain_depth_reached"
	ReasonCNAMELoopDetected    = "cname_loop_detected"
	ReasonAuthorizedIPNotFound = "authorized_ip_not_found"
)

// HostLookups is the subset of lookups the chain walk needs.
type HostLookups interface {
	CNAME(ctx context.Context, host string) ([]string, error)
	A(ctx context.Context, host string) ([]string, error)
	AAAA(ctx context.Context, host string) ([]string, error)
}

// ChainResult describes a CNAME-chain walk toward the authorized IP set.
type ChainResult struct {
	OK           bool     `json:"ok"`
	Reason       string   `json:"reason"`
	Chain        []string `json:"chain"`
	ResolvedIPs  []string `json:"resolved_ips"`
	SawCNAME     bool     `json:"saw_cname"`
	LoopDetected bool     `json:"loop_detected"`
}

// WalkChain follows CNAME records breadth-first from startHost until an
// address in authorizedIPs is reached, the chain dead-ends, a loop closes,
// or maxDepth frontier expansions have run. Lookup errors (timeouts
// included) abort the walk.
func WalkChain(ctx context.Context, lk HostLookups, startHost string, authorizedIPs []string, maxDepth int) (ChainResult, error) {
	authorized := make(map[string]struct{}, len(authorizedIPs))
	for _, ip := range authorizedIPs {
		authorized[NormalizeIP(ip)] = struct{}{}
	}

	var res ChainResult
	visited := make(map[string]struct{})
	frontier := []string{NormalizeHost(startHost)}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, host := range frontier {
			if _, seen := visited[host]; seen {
				res.LoopDetected = true
				continue
			}
			visited[host] = struct{}{}
			res.Chain = append(res.Chain, host)

			cnames, err := lk.CNAME(ctx, host)
			if err != nil {
				return res, err
			}
			if len(cnames) > 0 {
				res.SawCNAME = true
				next = append(next, cnames...)
				continue
			}

			// Chain leaf: collect addresses and test against the
			// authorized set.
			v4, err := lk.A(ctx, host)
			if err != nil {
				return res, err
			}
			v6, err := lk.AAAA(ctx, host)
			if err != nil {
				return res, err
			}
			for _, ip := range append(v4, v6...) {
				ip = NormalizeIP(ip)
				res.ResolvedIPs = append(res.ResolvedIPs, ip)
				if _, ok := authorized[ip]; ok {
					res.OK = true
					if res.SawCNAME {
						res.Reason = ReasonAuthorizedIPMatch
					} else {
						res.Reason = ReasonDirectIPMatch
					}
					return res, nil
				}
			}
		}
		frontier = next
	}

	switch {
	case len(frontier) > 0:
		res.Reason = ReasonMaxChainDepthReached
	case res.LoopDetected:
		res.Reason = ReasonCNAMELoopDetected
	default:
		res.Reason = ReasonAuthorizedIPNotFound
	}
	return res, nil
}
