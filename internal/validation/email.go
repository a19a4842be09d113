package validation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/xrash/smetrics"
)

var emailRe = regexp.MustCompile(`^[a-z0-9!#$%&'*+/=?^_{|}~-]+(\.[a-z0-9!#$%&'*+/=?^_{|}~-]+)*@([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// maxDomainDistance bounds the edit distance at which a domain is considered a typo of a known one.
const maxDomainDistance = 2

func (v *Validator) normalizeEmail(s string) special {
	addr := strings.ToLower(strings.TrimSpace(s))
	addr = strings.TrimPrefix(addr, "mailto:")
	if !emailRe.MatchString(addr) {
		return reject(s, ReasonEmailInvalid)
	}
	if suggestion, ok := v.SuggestEmail(addr); ok {
		return special{reject: &Result{OK: false, Value: addr, Reason: ReasonEmailTypoSuspected, Suggestion: suggestion}}
	}
	return keep(addr)
}

// SuggestEmail returns a corrected address when the domain of addr looks like a typo of a common
// mail provider or carries a common TLD typo.
func (v *Validator) SuggestEmail(addr string) (string, bool) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "", false
	}
	local, domain := addr[:at], addr[at+1:]
	for _, known := range v.lex.MailDomains {
		if domain == known {
			return "", false
		}
	}

	typos := make([]string, 0, len(v.lex.TLDTypos))
	for typo := range v.lex.TLDTypos {
		typos = append(typos, typo)
	}
	sort.Slice(typos, func(i, j int) bool { return len(typos[i]) > len(typos[j]) })
	for _, typo := range typos {
		if strings.HasSuffix(domain, typo) {
			fixed := strings.TrimSuffix(domain, typo) + v.lex.TLDTypos[typo]
			if corrected, ok := v.closestDomain(fixed); ok {
				fixed = corrected
			}
			return local + "@" + fixed, true
		}
	}

	if corrected, ok := v.closestDomain(domain); ok {
		return local + "@" + corrected, true
	}
	return "", false
}

// closestDomain returns the known provider domain nearest to domain, within maxDomainDistance.
func (v *Validator) closestDomain(domain string) (string, bool) {
	best, bestDist := "", maxDomainDistance+1
	for _, known := range v.lex.MailDomains {
		if known == domain {
			return known, true
		}
		d := smetrics.WagnerFischer(domain, known, 1, 1, 1)
		if d < bestDist {
			best, bestDist = known, d
		}
	}
	return best, best != ""
}
