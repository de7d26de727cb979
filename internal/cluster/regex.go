// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hpcops/cttd/internal/config"
)

// RegexCluster resolves topology arithmetically from configured node
// name patterns. Node numbers are grouped into contiguous blocks: cards
// of `board` nodes and blades of `slot` nodes, both starting at number 1.
type RegexCluster struct {
	types []nodeType
}

type nodeType struct {
	prefix   string
	pattern  *regexp.Regexp
	digits   int
	firstNum int
	lastNum  int
	board    int
	slot     int
}

// NewRegexCluster compiles the configured node types. Order matters:
// the first matching type claims a name.
func NewRegexCluster(types []config.NodeType) (*RegexCluster, error) {
	compiled := make([]nodeType, 0, len(types))
	for _, t := range types {
		expr := fmt.Sprintf(`^%s\d+$`, regexp.QuoteMeta(t.Prefix))
		if t.Digits > 0 {
			expr = fmt.Sprintf(`^%s\d{%d}$`, regexp.QuoteMeta(t.Prefix), t.Digits)
		}
		pattern, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern for prefix %s: %w", t.Prefix, err)
		}
		first := t.FirstNum
		if first == 0 {
			first = 1
		}
		slot := t.Slot
		if slot == 0 {
			slot = t.Board
		}
		compiled = append(compiled, nodeType{
			prefix:   t.Prefix,
			pattern:  pattern,
			digits:   t.Digits,
			firstNum: first,
			lastNum:  t.LastNum,
			board:    t.Board,
			slot:     slot,
		})
	}
	return &RegexCluster{types: compiled}, nil
}

// match finds the first node type claiming target and the parsed node
// number.
func (c *RegexCluster) match(target string) (*nodeType, int, bool) {
	for i := range c.types {
		t := &c.types[i]
		if !t.pattern.MatchString(target) {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(target, t.prefix))
		if err != nil {
			continue
		}
		if num < t.firstNum {
			continue
		}
		if t.lastNum > 0 && num > t.lastNum {
			continue
		}
		return t, num, true
	}
	return nil, 0, false
}

// related returns the contiguous block of size names containing target.
func (t *nodeType) related(target string, num, size int) []string {
	if size <= 1 {
		return []string{target}
	}
	start := ((num-1)/size)*size + 1
	block := make([]string, 0, size)
	for i := start; i < start+size; i++ {
		if t.digits > 0 {
			block = append(block, fmt.Sprintf("%s%0*d", t.prefix, t.digits, i))
		} else {
			block = append(block, fmt.Sprintf("%s%d", t.prefix, i))
		}
	}
	return block
}

func (c *RegexCluster) Siblings(ctx context.Context, target string) []string {
	t, num, ok := c.match(target)
	if !ok {
		return nil
	}
	return t.related(target, num, t.board)
}

func (c *RegexCluster) Cousins(ctx context.Context, target string) []string {
	t, num, ok := c.match(target)
	if !ok {
		return nil
	}
	return t.related(target, num, t.slot)
}

func (c *RegexCluster) IsRealNode(ctx context.Context, target string) bool {
	_, _, ok := c.match(target)
	return ok
}

var _ Cluster = (*RegexCluster)(nil)
