// Package lookup resolves IPs to their ASN and abuse contact and checks
// them against the bad-ASN registry. It answers "who is behind this IP and
// do we already block them".
package lookup

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ammario/ipisp/v2"
	"github.com/openrdap/rdap"
	"golang.org/x/sync/errgroup"

	"github.com/abuseguard/badasn/internal/asnlist"
)

// MaxConcurrency bounds parallel lookups when resolving many IPs.
const MaxConcurrency = 8

const (
	asnTimeout  = 10 * time.Second
	rdapTimeout = 15 * time.Second
)

// ASNClient abstracts IP-to-ASN lookups for testing.
type ASNClient interface {
	LookupIP(ctx context.Context, ip net.IP) (*ipisp.Response, error)
}

// cymruClient wraps ipisp for Team Cymru DNS lookups.
type cymruClient struct{}

func (c *cymruClient) LookupIP(ctx context.Context, ip net.IP) (*ipisp.Response, error) {
	return ipisp.LookupIP(ctx, ip)
}

// NewASNClient returns an ASNClient backed by Team Cymru DNS.
func NewASNClient() ASNClient {
	return &cymruClient{}
}

// RDAPClient abstracts RDAP lookups for testing.
type RDAPClient interface {
	LookupIP(ctx context.Context, ip string) (*rdap.IPNetwork, error)
}

type defaultRDAPClient struct{}

func (c *defaultRDAPClient) LookupIP(ctx context.Context, ip string) (*rdap.IPNetwork, error) {
	client := &rdap.Client{}
	req := &rdap.Request{
		Type:  rdap.IPRequest,
		Query: ip,
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	ipNet, ok := resp.Object.(*rdap.IPNetwork)
	if !ok {
		return nil, fmt.Errorf("rdap: unexpected response type for IP %s", ip)
	}
	return ipNet, nil
}

// NewRDAPClient returns an RDAPClient backed by the standard RDAP bootstrap.
func NewRDAPClient() RDAPClient {
	return &defaultRDAPClient{}
}

// Result is the outcome of resolving one IP.
type Result struct {
	IP           string
	ASN          int
	ASNName      string
	BGPPrefix    string
	Country      string
	AbuseContact string
	// Listed reports whether the ASN is in the registry; Record is the
	// matching row when it is.
	Listed bool
	Record asnlist.Record
	// Err is set when the IP could not be resolved at all.
	Err error
}

// Resolver resolves IPs against the registry. Lookups are cached for the
// lifetime of the Resolver since IP lists routinely repeat addresses.
type Resolver struct {
	ASN  ASNClient
	RDAP RDAPClient

	registry  map[int]asnlist.Record
	asnCache  *ttlCache[string, *ipisp.Response]
	rdapCache *ttlCache[string, string]
}

// NewResolver returns a Resolver with production clients, checking against
// the given registry records.
func NewResolver(records []asnlist.Record) *Resolver {
	r := &Resolver{
		ASN:       NewASNClient(),
		RDAP:      NewRDAPClient(),
		registry:  make(map[int]asnlist.Record, len(records)),
		asnCache:  newTTLCache[string, *ipisp.Response](defaultCacheTTL),
		rdapCache: newTTLCache[string, string](defaultCacheTTL),
	}
	for _, rec := range records {
		r.registry[rec.ASN] = rec
	}
	return r
}

// Lookup resolves a single IP.
func (r *Resolver) Lookup(ctx context.Context, ip string) Result {
	res := Result{IP: ip}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		res.Err = &net.ParseError{Type: "IP address", Text: ip}
		return res
	}

	resp, err := r.lookupASNCached(ctx, parsed)
	if err != nil {
		res.Err = fmt.Errorf("ASN lookup for %s: %w", ip, err)
		return res
	}
	res.ASN = int(resp.ASN)
	res.ASNName = resp.ISPName
	res.Country = resp.Country
	if resp.Range != nil {
		res.BGPPrefix = resp.Range.String()
	}
	if rec, ok := r.registry[res.ASN]; ok {
		res.Listed = true
		res.Record = rec
	}

	// The abuse contact is best effort; the ASN answer stands without it.
	if contact, err := r.lookupRDAPCached(ctx, parsed.String()); err == nil {
		res.AbuseContact = contact
	}
	return res
}

// LookupAll resolves many IPs with bounded parallelism, preserving input
// order in the results. Individual failures land in Result.Err.
func (r *Resolver) LookupAll(ctx context.Context, ips []string) []Result {
	results := make([]Result, len(ips))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrency)
	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			res := r.Lookup(gctx, ip)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; per-IP failures are in the results.
	_ = g.Wait()
	return results
}

func (r *Resolver) lookupASNCached(ctx context.Context, ip net.IP) (*ipisp.Response, error) {
	key := ip.String()
	if cached, ok := r.asnCache.Get(key); ok {
		return cached, nil
	}
	tctx, cancel := context.WithTimeout(ctx, asnTimeout)
	defer cancel()

	resp, err := r.ASN.LookupIP(tctx, ip)
	if err != nil {
		return nil, err
	}
	r.asnCache.Set(key, resp)
	return resp, nil
}

func (r *Resolver) lookupRDAPCached(ctx context.Context, ip string) (string, error) {
	if cached, ok := r.rdapCache.Get(ip); ok {
		return cached, nil
	}
	tctx, cancel := context.WithTimeout(ctx, rdapTimeout)
	defer cancel()

	ipNet, err := r.RDAP.LookupIP(tctx, ip)
	if err != nil {
		return "", fmt.Errorf("rdap lookup for %s: %w", ip, err)
	}
	contact := extractAbuseContact(ipNet.Entities)
	r.rdapCache.Set(ip, contact)
	return contact, nil
}

// extractAbuseContact walks the RDAP entity tree looking for an abuse role
// with an email in the vCard.
func extractAbuseContact(entities []rdap.Entity) string {
	for _, entity := range entities {
		for _, role := range entity.Roles {
			if strings.EqualFold(role, "abuse") {
				if email := extractEmailFromVCard(entity); email != "" {
					return email
				}
			}
		}
		// Check nested entities.
		if email := extractAbuseContact(entity.Entities); email != "" {
			return email
		}
	}
	return ""
}

func extractEmailFromVCard(entity rdap.Entity) string {
	if entity.VCard == nil {
		return ""
	}
	return entity.VCard.Email()
}
