package topic

import (
	"slices"
	"sort"
	"strings"
	"sync"
)

// Policy selects how a registration relates to topics deeper than itself.
type Policy int

const (
	// PolicyExact matches a registration only at its own depth unless it
	// ends in "#".
	PolicyExact Policy = iota

	// PolicyPrefix makes every registration also match all deeper topics.
	PolicyPrefix
)

// String returns the policy name used in configuration files.
func (p Policy) String() string {
	switch p {
	case PolicyExact:
		return "exact"
	case PolicyPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Handle identifies one registration. It is the only way to remove it.
type Handle struct {
	id      uint64
	pattern string
	deep    bool
}

// ID returns the registration id. Ids increase in insertion order.
func (h Handle) ID() uint64 { return h.id }

// Pattern returns the normalized pattern.
func (h Handle) Pattern() string { return h.pattern }

// IsZero reports whether h was never returned by Insert.
func (h Handle) IsZero() bool { return h.id == 0 }

// TrieOption configures a Trie.
type TrieOption func(*trieConfig)

type trieConfig struct {
	policy Policy
}

// WithPolicy sets the match policy.
func WithPolicy(p Policy) TrieOption {
	return func(c *trieConfig) { c.policy = p }
}

// Trie is a thread-safe segment trie mapping subscription patterns to values.
//
// The zero value is an empty trie with PolicyExact.
type Trie[V any] struct {
	mu     sync.RWMutex
	root   *trieNode[V]
	policy Policy
	nextID uint64
	size   int
}

type trieNode[V any] struct {
	children map[string]*trieNode[V]
	wildcard *trieNode[V]
	exact    map[uint64]V
	deep     map[uint64]V
}

func newTrieNode[V any]() *trieNode[V] {
	return &trieNode[V]{}
}

func (n *trieNode[V]) isEmpty() bool {
	return len(n.children) == 0 && n.wildcard == nil && len(n.exact) == 0 && len(n.deep) == 0
}

func (n *trieNode[V]) child(seg string) *trieNode[V] {
	if seg == SingleWildcard {
		return n.wildcard
	}
	return n.children[seg]
}

func (n *trieNode[V]) childOrCreate(seg string) *trieNode[V] {
	if seg == SingleWildcard {
		if n.wildcard == nil {
			n.wildcard = newTrieNode[V]()
		}
		return n.wildcard
	}
	c := n.children[seg]
	if c == nil {
		if n.children == nil {
			n.children = make(map[string]*trieNode[V])
		}
		c = newTrieNode[V]()
		n.children[seg] = c
	}
	return c
}

func (n *trieNode[V]) removeChild(seg string) {
	if seg == SingleWildcard {
		n.wildcard = nil
		return
	}
	delete(n.children, seg)
}

// NewTrie creates an empty trie.
func NewTrie[V any](opts ...TrieOption) *Trie[V] {
	cfg := trieConfig{policy: PolicyExact}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Trie[V]{
		root:   newTrieNode[V](),
		policy: cfg.policy,
	}
}

// Policy returns the trie's match policy.
func (t *Trie[V]) Policy() Policy {
	return t.policy
}

// Insert registers v under pattern. Several values may share one pattern;
// each gets its own Handle and all of them are returned by Match.
func (t *Trie[V]) Insert(pattern string, v V) (Handle, error) {
	normalized, segments, err := Normalize(pattern)
	if err != nil {
		return Handle{}, err
	}

	deep := t.policy == PolicyPrefix
	if segments[len(segments)-1] == MultiWildcard {
		segments = segments[:len(segments)-1]
		deep = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		t.root = newTrieNode[V]()
	}

	node := t.root
	for _, seg := range segments {
		node = node.childOrCreate(seg)
	}

	t.nextID++
	id := t.nextID
	if deep {
		if node.deep == nil {
			node.deep = make(map[uint64]V)
		}
		node.deep[id] = v
	} else {
		if node.exact == nil {
			node.exact = make(map[uint64]V)
		}
		node.exact[id] = v
	}
	t.size++

	return Handle{id: id, pattern: normalized, deep: deep}, nil
}

type pathEntry[V any] struct {
	node *trieNode[V]
	seg  string
}

// Remove deletes the registration identified by h and prunes nodes that no
// longer lead to any registration. It returns false if h is not registered.
func (t *Trie[V]) Remove(h Handle) bool {
	if h.IsZero() {
		return false
	}
	segments := Split(h.pattern)
	if len(segments) > 0 && segments[len(segments)-1] == MultiWildcard {
		segments = segments[:len(segments)-1]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return false
	}

	path := make([]pathEntry[V], 0, len(segments)+1)
	path = append(path, pathEntry[V]{node: t.root})

	node := t.root
	for _, seg := range segments {
		next := node.child(seg)
		if next == nil {
			return false
		}
		path = append(path, pathEntry[V]{node: next, seg: seg})
		node = next
	}

	set := node.exact
	if h.deep {
		set = node.deep
	}
	if _, ok := set[h.id]; !ok {
		return false
	}
	delete(set, h.id)
	t.size--

	for i := len(path) - 1; i > 0; i-- {
		if !path[i].node.isEmpty() {
			break
		}
		path[i-1].node.removeChild(path[i].seg)
	}
	return true
}

type matched[V any] struct {
	id uint64
	v  V
}

// Match returns every value whose pattern matches the concrete topic, in
// registration order. The literal child and the "+" child are both explored
// at every level, so the result is the union of all matching subtrees.
func (t *Trie[V]) Match(topic string) []V {
	segments := Split(topic)
	if len(segments) == 0 {
		return nil
	}

	t.mu.RLock()
	if t.root == nil {
		t.mu.RUnlock()
		return nil
	}
	var found []matched[V]
	collect(t.root, segments, 0, &found)
	t.mu.RUnlock()

	if len(found) == 0 {
		return nil
	}
	slices.SortFunc(found, func(a, b matched[V]) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	values := make([]V, len(found))
	for i, m := range found {
		values[i] = m.v
	}
	return values
}

// collect walks every path that matches segments[depth:]. Each node is
// reached by at most one path, so no registration is collected twice.
func collect[V any](node *trieNode[V], segments []string, depth int, found *[]matched[V]) {
	for id, v := range node.deep {
		*found = append(*found, matched[V]{id: id, v: v})
	}
	if depth == len(segments) {
		for id, v := range node.exact {
			*found = append(*found, matched[V]{id: id, v: v})
		}
		return
	}
	if c := node.children[segments[depth]]; c != nil {
		collect(c, segments, depth+1, found)
	}
	if node.wildcard != nil {
		collect(node.wildcard, segments, depth+1, found)
	}
}

// Len returns the number of registrations.
func (t *Trie[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// NodeCount returns the number of nodes including the root.
func (t *Trie[V]) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return 0
	}
	return countNodes(t.root)
}

func countNodes[V any](node *trieNode[V]) int {
	count := 1
	for _, c := range node.children {
		count += countNodes(c)
	}
	if node.wildcard != nil {
		count += countNodes(node.wildcard)
	}
	return count
}

// Patterns returns the sorted, distinct patterns currently registered.
// Under PolicyPrefix a trailing "#" is not reported.
func (t *Trie[V]) Patterns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == nil {
		return nil
	}
	seen := make(map[string]struct{})
	walkPatterns(t.root, nil, t.policy, seen)

	patterns := make([]string, 0, len(seen))
	for p := range seen {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

func walkPatterns[V any](node *trieNode[V], prefix []string, policy Policy, seen map[string]struct{}) {
	if len(node.exact) > 0 && len(prefix) > 0 {
		seen[strings.Join(prefix, Separator)] = struct{}{}
	}
	if len(node.deep) > 0 {
		if policy == PolicyPrefix && len(prefix) > 0 {
			seen[strings.Join(prefix, Separator)] = struct{}{}
		} else {
			seen[strings.Join(append(slices.Clone(prefix), MultiWildcard), Separator)] = struct{}{}
		}
	}
	for seg, c := range node.children {
		walkPatterns(c, append(slices.Clone(prefix), seg), policy, seen)
	}
	if node.wildcard != nil {
		walkPatterns(node.wildcard, append(slices.Clone(prefix), SingleWildcard), policy, seen)
	}
}

// Clear removes every registration. Handles issued before Clear become stale.
func (t *Trie[V]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = newTrieNode[V]()
	t.size = 0
}
