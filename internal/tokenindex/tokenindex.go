// Package tokenindex implements the bidirectional Token→Users index used
// by the predictive loop to find which users are exposed to a token whose
// price just moved. SetUserTokens uses replace semantics: a user's full
// token set is swapped atomically rather than grown additively.
package tokenindex

import (
	"strings"
	"sync"
)

// Index is the mutex-guarded bidirectional map.
type Index struct {
	mu            sync.RWMutex
	tokenToUsers  map[string]map[string]struct{}
	userToTokens  map[string]map[string]struct{}
}

// New builds an empty Index.
func New() *Index {
	return &Index{
		tokenToUsers: make(map[string]map[string]struct{}),
		userToTokens: make(map[string]map[string]struct{}),
	}
}

func norm(s string) string { return strings.ToLower(s) }

// SetUserTokens replaces user's entire token exposure set. Tokens the
// user is no longer exposed to are removed, and their bucket is deleted
// from the forward map if it becomes empty.
func (idx *Index) SetUserTokens(user string, tokens []string) {
	u := norm(user)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prev, ok := idx.userToTokens[u]; ok {
		for t := range prev {
			if bucket, ok := idx.tokenToUsers[t]; ok {
				delete(bucket, u)
				if len(bucket) == 0 {
					delete(idx.tokenToUsers, t)
				}
			}
		}
	}

	next := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tok := norm(t)
		next[tok] = struct{}{}
		bucket, ok := idx.tokenToUsers[tok]
		if !ok {
			bucket = make(map[string]struct{})
			idx.tokenToUsers[tok] = bucket
		}
		bucket[u] = struct{}{}
	}
	if len(next) == 0 {
		delete(idx.userToTokens, u)
		return
	}
	idx.userToTokens[u] = next
}

// RemoveUser drops a user from every token bucket it belongs to.
func (idx *Index) RemoveUser(user string) {
	idx.SetUserTokens(user, nil)
}

// GetUsersForToken returns the (possibly empty) set of users exposed to
// token.
func (idx *Index) GetUsersForToken(token string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	bucket, ok := idx.tokenToUsers[norm(token)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(bucket))
	for u := range bucket {
		out = append(out, u)
	}
	return out
}

// TokensForUser returns the set of tokens user is currently exposed to.
func (idx *Index) TokensForUser(user string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tokens, ok := idx.userToTokens[norm(user)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tokens))
	for t := range tokens {
		out = append(out, t)
	}
	return out
}

// TokenCount returns the number of tracked token buckets, for metrics.
func (idx *Index) TokenCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.tokenToUsers)
}
