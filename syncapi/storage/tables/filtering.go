// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"strings"

	"github.com/element-hq/syncengine/syncapi/synctypes"
)

var (
	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	globEscaper = strings.NewReplacer(`[`, `[[]`, `*`, `[*]`, `?`, `[?]`)
)

// PatternFunc turns event type filters into dialect-specific patterns.
type PatternFunc func(types []string) []string

// LikePatterns converts event type filters into SQL LIKE patterns. A
// trailing "*" becomes "%", everything else matches literally.
func LikePatterns(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(types))
	for _, t := range types {
		if strings.HasSuffix(t, "*") {
			patterns = append(patterns, likeEscaper.Replace(strings.TrimSuffix(t, "*"))+"%")
			continue
		}
		patterns = append(patterns, likeEscaper.Replace(t))
	}
	return patterns
}

// GlobPatterns converts event type filters into SQLite GLOB patterns, which
// unlike LIKE compare case-sensitively. A trailing "*" stays a wildcard,
// everything else matches literally.
func GlobPatterns(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(types))
	for _, t := range types {
		if prefix, ok := strings.CutSuffix(t, "*"); ok {
			patterns = append(patterns, globEscaper.Replace(prefix)+"*")
			continue
		}
		patterns = append(patterns, globEscaper.Replace(t))
	}
	return patterns
}

// FilterArgs are the parts of an event filter that can be evaluated by the
// database. Empty lists are nil and mean no restriction.
type FilterArgs struct {
	Senders    []string
	NotSenders []string
	Types      []string
	NotTypes   []string
}

// NewFilterArgs extracts the pushdown arguments from a filter. Types are
// converted with patterns.
func NewFilterArgs(filter *synctypes.EventFilter, patterns PatternFunc) FilterArgs {
	if filter == nil {
		return FilterArgs{}
	}
	return FilterArgs{
		Senders:    nonEmpty(filter.Senders),
		NotSenders: nonEmpty(filter.NotSenders),
		Types:      patterns(nonEmpty(filter.Types)),
		NotTypes:   patterns(nonEmpty(filter.NotTypes)),
	}
}

func nonEmpty(list *[]string) []string {
	if list == nil || len(*list) == 0 {
		return nil
	}
	return *list
}
