package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
)

// LocationRules restrict by client address and country. Deny lists win over
// allow lists; when any allow list is set the request must match one of them.
type LocationRules struct {
	AllowedIPs       []string `json:"allowedIps,omitempty" validate:"omitempty,dive,ip"`
	DeniedIPs        []string `json:"deniedIps,omitempty" validate:"omitempty,dive,ip"`
	AllowedCIDRs     []string `json:"allowedCidrs,omitempty" validate:"omitempty,dive,cidr"`
	DeniedCIDRs      []string `json:"deniedCidrs,omitempty" validate:"omitempty,dive,cidr"`
	AllowedCountries []string `json:"allowedCountries,omitempty" validate:"omitempty,dive,iso3166_1_alpha2"`
	DeniedCountries  []string `json:"deniedCountries,omitempty" validate:"omitempty,dive,iso3166_1_alpha2"`
}

func (r LocationRules) empty() bool {
	return len(r.AllowedIPs)+len(r.DeniedIPs)+len(r.AllowedCIDRs)+len(r.DeniedCIDRs)+
		len(r.AllowedCountries)+len(r.DeniedCountries) == 0
}

func (r LocationRules) hasAllowList() bool {
	return len(r.AllowedIPs)+len(r.AllowedCIDRs)+len(r.AllowedCountries) > 0
}

// LocationEvaluator evaluates LOCATION_BASED policies.
type LocationEvaluator struct{}

func (LocationEvaluator) Type() Type { return TypeLocation }

func (LocationEvaluator) Validate(rules json.RawMessage) error {
	_, err := parseLocation(rules)
	return err
}

func (LocationEvaluator) Evaluate(_ context.Context, rules json.RawMessage, pc Context) (Outcome, error) {
	parsed, err := parseLocation(rules)
	if err != nil {
		return Outcome{}, err
	}
	addr, addrErr := netip.ParseAddr(strings.TrimSpace(pc.IP))
	hasAddr := addrErr == nil
	country := strings.ToUpper(strings.TrimSpace(pc.Country))

	if hasAddr && (matchIP(parsed.DeniedIPs, addr) || matchCIDR(parsed.DeniedCIDRs, addr)) {
		return Outcome{Applicable: false, Reason: fmt.Sprintf("ip %s denied", addr)}, nil
	}
	if country != "" && matchCountry(parsed.DeniedCountries, country) {
		return Outcome{Applicable: false, Reason: fmt.Sprintf("country %s denied", country)}, nil
	}
	if !parsed.hasAllowList() {
		return Outcome{Applicable: true, Reason: "no location restriction matched"}, nil
	}
	if hasAddr && (matchIP(parsed.AllowedIPs, addr) || matchCIDR(parsed.AllowedCIDRs, addr)) {
		return Outcome{Applicable: true, Reason: fmt.Sprintf("ip %s allowed", addr)}, nil
	}
	if country != "" && matchCountry(parsed.AllowedCountries, country) {
		return Outcome{Applicable: true, Reason: fmt.Sprintf("country %s allowed", country)}, nil
	}
	return Outcome{Applicable: false, Reason: "location not in allow list"}, nil
}

func parseLocation(rules json.RawMessage) (LocationRules, error) {
	parsed, err := decodeRules[LocationRules](rules)
	if err != nil {
		return LocationRules{}, err
	}
	if parsed.empty() {
		return LocationRules{}, fmt.Errorf("%w: at least one ip, cidr or country list required", ErrInvalidRules)
	}
	return parsed, nil
}

func matchIP(list []string, addr netip.Addr) bool {
	for _, raw := range list {
		if candidate, err := netip.ParseAddr(raw); err == nil && candidate.Unmap() == addr.Unmap() {
			return true
		}
	}
	return false
}

func matchCIDR(list []string, addr netip.Addr) bool {
	for _, raw := range list {
		if prefix, err := netip.ParsePrefix(raw); err == nil && prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

func matchCountry(list []string, country string) bool {
	for _, c := range list {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}
