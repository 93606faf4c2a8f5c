// Package proxy implements the host-side egress proxy sandboxed
// workers are forced through. Policy is default-deny: a request leaves
// only when the job's allowlist matches the target domain. Credential
// references attached to allow rules are resolved host-side at request
// time, so raw secrets never enter the sandbox.
package proxy

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Rule allows egress to one domain for one job. An empty CredentialRef
// means no credential is attached.
type Rule struct {
	Domain        string
	Subdomains    bool // Also match *.Domain.
	CredentialRef string
}

// RuleTable holds the per-job allowlists and proxy tokens. Rules are
// installed at provision time and removed at teardown; a job with no
// rules can reach nothing.
type RuleTable struct {
	mu     sync.RWMutex
	rules  map[uuid.UUID][]Rule
	tokens map[uuid.UUID]string
}

func NewRuleTable() *RuleTable {
	return &RuleTable{
		rules:  make(map[uuid.UUID][]Rule),
		tokens: make(map[uuid.UUID]string),
	}
}

// Install registers the job's proxy token and allow rules, replacing
// any previous set.
func (t *RuleTable) Install(jobID uuid.UUID, token string, rules []Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[jobID] = token
	t.rules[jobID] = append([]Rule(nil), rules...)
}

// Remove drops the job's rules and token. Subsequent requests scoped
// to the job fail authorization.
func (t *RuleTable) Remove(jobID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, jobID)
	delete(t.rules, jobID)
}

// Authorize checks the job's proxy token in constant time.
func (t *RuleTable) Authorize(jobID uuid.UUID, token string) bool {
	t.mu.RLock()
	want, ok := t.tokens[jobID]
	t.mu.RUnlock()
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

// Match returns the first rule allowing the host for the job. Absence
// of a match means deny.
func (t *RuleTable) Match(jobID uuid.UUID, host string) (Rule, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules[jobID] {
		domain := strings.ToLower(r.Domain)
		if host == domain {
			return r, true
		}
		if r.Subdomains && strings.HasSuffix(host, "."+domain) {
			return r, true
		}
	}
	return Rule{}, false
}
