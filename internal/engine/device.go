package engine

import (
	"sort"
	"strings"

	"github.com/alertsync/sophos-autotask/internal/models"
)

// ciFilter narrows a candidate set of configuration items.
type ciFilter struct {
	name string
	keep func(models.ConfigurationItem) bool
}

// deviceFilters returns the narrowing predicates, in rank order, that the
// endpoint record supports.
func deviceFilters(d models.Device) []ciFilter {
	var filters []ciFilter
	if len(d.MACAddresses) > 0 {
		macs := make(map[string]struct{}, len(d.MACAddresses))
		for _, m := range d.MACAddresses {
			macs[normalizeMAC(m)] = struct{}{}
		}
		filters = append(filters, ciFilter{name: "mac", keep: func(ci models.ConfigurationItem) bool {
			for _, m := range splitAuditList(ci.AuditMACAddress) {
				if _, ok := macs[normalizeMAC(m)]; ok {
					return true
				}
			}
			return false
		}})
	}
	if d.LastUser != "" {
		filters = append(filters, ciFilter{name: "last_user", keep: func(ci models.ConfigurationItem) bool {
			return strings.EqualFold(ci.AuditLastUser, d.LastUser)
		}})
	}
	if len(d.IPv4Addresses) > 0 {
		filters = append(filters, ciFilter{name: "ip", keep: func(ci models.ConfigurationItem) bool {
			for _, ip := range d.IPv4Addresses {
				if ci.AuditIPAddress != "" && ci.AuditIPAddress == ip {
					return true
				}
			}
			return false
		}})
	}
	return filters
}

// MatchConfigurationItem picks the candidate that best matches the endpoint.
// Each filter is committed only if it leaves at least one candidate; any
// remaining tie goes to the most recently active item.
func MatchConfigurationItem(d models.Device, candidates []models.ConfigurationItem) (models.ConfigurationItem, bool) {
	if len(candidates) == 0 {
		return models.ConfigurationItem{}, false
	}
	set := candidates
	for _, f := range deviceFilters(d) {
		if len(set) <= 1 {
			break
		}
		narrowed := make([]models.ConfigurationItem, 0, len(set))
		for _, ci := range set {
			if f.keep(ci) {
				narrowed = append(narrowed, ci)
			}
		}
		if len(narrowed) > 0 {
			set = narrowed
		}
	}
	if len(set) > 1 {
		set = append([]models.ConfigurationItem(nil), set...)
		sort.SliceStable(set, func(i, j int) bool {
			return set[i].LastActivityDate.After(set[j].LastActivityDate)
		})
	}
	return set[0], true
}

// splitAuditList parses the RMM audit format "[a, b, c]".
func splitAuditList(v string) []string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "[")
	v = strings.TrimSuffix(v, "]")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeMAC(m string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(m), "-", ":"))
}
