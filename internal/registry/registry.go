// Package registry holds the configured service domains/hosts/routes
// and the routing table that resolves a client request to a live
// upstream (spec §3 "Services registry", §4.5 "Routing table").
package registry

import (
	"crypto/subtle"
	"net"
	"sort"
	"strings"
	"sync"
	"weak"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/preauth"
	"github.com/anthropics/lolb/internal/upstream"
)

// Auth is the authentication a ServiceDomain requires of a connecting
// service (spec §3: "currently a preshared secret").
type Auth struct {
	PresharedKey string
}

// Valid reports whether secret matches using a constant-time
// comparison, as the teacher's internal/ws package compares session
// identifiers with crypto/subtle.
func (a Auth) Valid(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(a.PresharedKey), []byte(secret)) == 1
}

// Route holds the live upstream connections currently servicing one
// path prefix under one host. Connections are held only as weak
// pointers (spec §3 ServiceConnection invariant, §9 "Weak-reference
// upstream pool"); the owning upstream.ServiceConnection.Drive
// goroutine holds the strong reference, so disconnection invalidates
// routing without any explicit remove call.
type Route struct {
	Prefix      string
	connections []weak.Pointer[upstream.ServiceConnection]
}

// Host gathers the routes configured (or dynamically registered)
// under one fully-qualified service host name.
type Host struct {
	Name  string
	Cert  []byte // TLS certificate material, if already issued; nil until ACME provisions one
	Routes []*Route
}

// Domain owns the hosts serviced under one DNS domain suffix, plus the
// auth a service must present to register under it.
type Domain struct {
	Name  string
	Auth  Auth
	Hosts []*Host
}

// Registry is the ordered sequence of configured Domains plus the
// routing/registration operations over them. A single mutex guards
// all synchronous manipulation; it is never held across a network
// read/write (spec §5 "No suspension point holds a mutex lock").
type Registry struct {
	mu      sync.Mutex
	domains []*Domain
}

// New returns an empty Registry; domains are added with Configure.
func New() *Registry {
	return &Registry{}
}

// Configure replaces the registry's statically-configured domain
// skeletons (spec §6 "Configuration": domains, auth, and optional
// host/route skeletons loaded out of band). It does not touch any
// already-registered upstream connections.
func (r *Registry) Configure(domains []*Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = domains
}

// AuthFor returns the Auth configured for domain, and whether that
// domain is configured at all.
func (r *Registry) AuthFor(domain string) (Auth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.domains {
		if d.Name == domain {
			return d.Auth, true
		}
	}
	return Auth{}, false
}

// IsValidSecret reports whether secret authenticates against the
// configured domain named domain.
func (r *Registry) IsValidSecret(domain, secret string) bool {
	auth, ok := r.AuthFor(domain)
	return ok && auth.Valid(secret)
}

// AddPreauthed registers conn as a (weak) upstream for the
// (domain, host, prefix) a redeemed Preauthed record names,
// find-or-creating the Host and Route entries as needed. Registering
// a preauth for a domain that was never configured is a programmer
// fault, not a runtime condition (spec §4.5: "assertion") — Configure
// must run before any preauth can be redeemed against it.
func (r *Registry) AddPreauthed(p preauth.Preauthed, conn *upstream.ServiceConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var domain *Domain
	for _, d := range r.domains {
		if d.Name == p.Domain {
			domain = d
			break
		}
	}
	if domain == nil {
		panic("preauthed for not configured domain: " + p.Domain)
	}

	var host *Host
	for _, h := range domain.Hosts {
		if h.Name == p.Host {
			host = h
			break
		}
	}
	if host == nil {
		host = &Host{Name: p.Host}
		domain.Hosts = append(domain.Hosts, host)
	}

	var route *Route
	for _, rt := range host.Routes {
		if rt.Prefix == p.Prefix {
			route = rt
			break
		}
	}
	if route == nil {
		route = &Route{Prefix: p.Prefix}
		host.Routes = append(host.Routes, route)
	}

	route.connections = append(route.connections, weak.Make(conn))
}

// Route resolves (host, path) to a live upstream, per spec §4.5:
//  1. collect domains whose name is a suffix of host, pick the longest
//     (ties broken by configuration order);
//  2. within it, require an exact host match;
//  3. among that host's routes whose prefix prefixes path, pick the
//     longest;
//  4. prune dead weak connections and return the first live one.
func (r *Registry) Route(host, path string) (*upstream.ServiceConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Domain
	for _, d := range r.domains {
		if strings.HasSuffix(host, d.Name) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, lolberr.ErrNoRoute
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Name) < len(candidates[j].Name)
	})
	domain := candidates[len(candidates)-1]

	var matchedHost *Host
	for _, h := range domain.Hosts {
		if h.Name == host {
			matchedHost = h
			break
		}
	}
	if matchedHost == nil {
		return nil, lolberr.ErrNoRoute
	}

	var routeCandidates []*Route
	for _, rt := range matchedHost.Routes {
		if strings.HasPrefix(path, rt.Prefix) {
			routeCandidates = append(routeCandidates, rt)
		}
	}
	if len(routeCandidates) == 0 {
		return nil, lolberr.ErrNoRoute
	}
	sort.SliceStable(routeCandidates, func(i, j int) bool {
		return len(routeCandidates[i].Prefix) < len(routeCandidates[j].Prefix)
	})
	route := routeCandidates[len(routeCandidates)-1]

	route.connections = pruneDead(route.connections)
	for _, wp := range route.connections {
		if sc := wp.Value(); sc != nil && sc.Alive() {
			return sc, nil
		}
	}
	return nil, lolberr.ErrNoUpstream
}

func pruneDead(conns []weak.Pointer[upstream.ServiceConnection]) []weak.Pointer[upstream.ServiceConnection] {
	live := conns[:0]
	for _, wp := range conns {
		if wp.Value() != nil {
			live = append(live, wp)
		}
	}
	return live
}

// KnownHost reports whether host falls under any configured domain's
// suffix, the same test Route uses to pick a candidate domain. TLS
// certificate minting (internal/tls.CertCache) consults this so the
// self-signed fallback never vouches for a host outside this
// deployment's configuration.
func (r *Registry) KnownHost(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.domains {
		if strings.HasSuffix(host, d.Name) {
			return true
		}
	}
	return false
}

// HostFromAuthority strips an optional port suffix, matching how the
// dispatcher resolves :authority/Host to a bare host name before
// routing.
func HostFromAuthority(authority string) string {
	if h, _, err := net.SplitHostPort(authority); err == nil {
		return h
	}
	return authority
}
