// Package clientinfo extracts and classifies the real client behind a
// request: forwarded-chain IP resolution, user-agent device classification
// and trusted-network checks, memoized per (ip, ua) pair.
package clientinfo

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

// ipHeaders are inspected in order; the first well-formed IP wins.
var ipHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"X-Client-IP",
}

// defaultTrustedCIDRs cover loopback and RFC1918 space.
var defaultTrustedCIDRs = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// Identifier resolves client IPs and classifies devices.
type Identifier struct {
	trustedNets []*net.IPNet
	memo        *lru.Cache[string, reqctx.ClientInfo]
}

// Config configures the identifier.
type Config struct {
	// TrustedCIDRs marking clients as trusted; defaults to loopback+RFC1918.
	TrustedCIDRs []string
	// TrustedIPs are additional single addresses to trust.
	TrustedIPs []string
	// CacheSize bounds the (ip, ua) memo cache. Default 4096.
	CacheSize int
}

// New creates an Identifier.
func New(cfg Config) (*Identifier, error) {
	cidrs := cfg.TrustedCIDRs
	if len(cidrs) == 0 {
		cidrs = defaultTrustedCIDRs
	}

	nets := make([]*net.IPNet, 0, len(cidrs)+len(cfg.TrustedIPs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	for _, ipStr := range cfg.TrustedIPs {
		cidr := ipStr
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: ipStr}
		}
		if ip.To4() != nil {
			cidr += "/32"
		} else {
			cidr += "/128"
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	memo, err := lru.New[string, reqctx.ClientInfo](size)
	if err != nil {
		return nil, err
	}

	return &Identifier{trustedNets: nets, memo: memo}, nil
}

// Identify resolves the client descriptor for r, consulting the memo cache.
func (id *Identifier) Identify(r *http.Request) reqctx.ClientInfo {
	ip := ExtractIP(r)
	ua := r.UserAgent()

	key := memoKey(ip, ua)
	if info, ok := id.memo.Get(key); ok {
		return info
	}

	device, bot := ClassifyUA(ua)
	info := reqctx.ClientInfo{
		IP:      ip,
		UA:      ua,
		Device:  device,
		Bot:     bot,
		Trusted: id.isTrusted(ip),
	}
	id.memo.Add(key, info)
	return info
}

func memoKey(ip, ua string) string {
	return ip + ":" + strconv.FormatUint(xxhash.Sum64String(ua), 16)
}

func (id *Identifier) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range id.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExtractIP resolves the real client IP from the forwarded-header chain,
// falling back to the remote socket address.
func ExtractIP(r *http.Request) string {
	for _, header := range ipHeaders {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}
		if header == "X-Forwarded-For" {
			// First well-formed entry in the chain
			for _, part := range strings.Split(val, ",") {
				ip := strings.TrimSpace(part)
				if net.ParseIP(ip) != nil {
					return ip
				}
			}
			continue
		}
		ip := strings.TrimSpace(val)
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClassifyUA classifies a user agent by case-insensitive substring rules.
func ClassifyUA(ua string) (reqctx.DeviceKind, bool) {
	lower := strings.ToLower(ua)

	if containsAny(lower, "bot", "crawler", "spider") {
		return reqctx.DeviceBot, true
	}
	if containsAny(lower, "ipad", "tablet", "kindle") {
		return reqctx.DeviceTablet, false
	}
	if containsAny(lower, "android", "iphone", "mobile", "phone") {
		return reqctx.DeviceMobile, false
	}
	return reqctx.DeviceDesktop, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
