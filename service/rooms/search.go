// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"sort"
	"strings"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// The search index maps room, token, count to an empty value. Queries
// scan each token's postings per room and intersect them.

const (
	minTokenLen = 3
	maxTokenLen = 50
)

func tokenize(body string) []string {
	fields := strings.FieldsFunc(strings.ToLower(body), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	var tokens []string
	for _, field := range fields {
		if len(field) < minTokenLen || len(field) > maxTokenLen {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		tokens = append(tokens, field)
	}
	return tokens
}

func tokenKey(shortRoom uint64, token string, count uint64) []byte {
	key := make([]byte, 0, 8+len(token)+1+8)
	key = append(key, database.EncodeCounter(shortRoom)...)
	key = append(key, token...)
	key = append(key, database.Separator)
	key = append(key, database.EncodeCounter(count)...)
	return key
}

// IndexPDU adds a message body to the room's search index under the
// given timeline count.
func (s *Service) IndexPDU(ctx context.Context, shortRoom uint64, count uint64, body string) error {
	tokens := tokenize(body)
	if len(tokens) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	for _, token := range tokens {
		batch.Put(s.searchTokens, tokenKey(shortRoom, token, count), nil)
	}
	return batch.Commit(ctx)
}

// DeindexPDU removes a message body from the room's search index.
// Redactions call this before rewriting the stored event.
func (s *Service) DeindexPDU(ctx context.Context, shortRoom uint64, count uint64, body string) error {
	tokens := tokenize(body)
	if len(tokens) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	for _, token := range tokens {
		batch.Del(s.searchTokens, tokenKey(shortRoom, token, count))
	}
	return batch.Commit(ctx)
}

// SearchPDUs returns timeline counts of messages in the room matching
// every token of the query, newest first.
func (s *Service) SearchPDUs(ctx context.Context, room ref.RoomID, query string, limit int) ([]uint64, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	shortRoom, ok, err := s.lookupShortRoomID(ctx, room)
	if err != nil || !ok {
		return nil, err
	}

	// Scan the first token's postings, then require each remaining
	// token to have the same counts.
	counts := make(map[uint64]struct{})
	first := true
	for _, token := range tokens {
		prefix := make([]byte, 0, 8+len(token)+1)
		prefix = append(prefix, database.EncodeCounter(shortRoom)...)
		prefix = append(prefix, token...)
		prefix = append(prefix, database.Separator)

		matched := make(map[uint64]struct{})
		err := s.searchTokens.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
			count := database.CounterValue(key[len(key)-8:])
			if first {
				matched[count] = struct{}{}
			} else if _, ok := counts[count]; ok {
				matched[count] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		counts = matched
		first = false
		if len(counts) == 0 {
			return nil, nil
		}
	}

	results := make([]uint64, 0, len(counts))
	for count := range counts {
		results = append(results, count)
	}
	sort.Slice(results, func(i, j int) bool { return results[i] > results[j] })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
