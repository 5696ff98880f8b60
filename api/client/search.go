// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

const defaultSearchLimit = 10

type searchRequest struct {
	SearchCategories struct {
		RoomEvents *struct {
			SearchTerm string `json:"search_term"`
			OrderBy    string `json:"order_by"`
			Filter     struct {
				Limit int          `json:"limit"`
				Rooms []ref.RoomID `json:"rooms"`
			} `json:"filter"`
		} `json:"room_events"`
	} `json:"search_categories"`
}

type searchResult struct {
	Result *matrix.ClientEvent `json:"result"`
}

type searchRoomEvents struct {
	Count      int            `json:"count"`
	Results    []searchResult `json:"results"`
	Highlights []string       `json:"highlights"`
	NextBatch  string         `json:"next_batch,omitempty"`
}

// POST /_matrix/client/v3/search
func (h *Handlers) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := router.ReadJSON(r, &req); err != nil {
		router.WriteError(w, err)
		return
	}
	criteria := req.SearchCategories.RoomEvents
	if criteria == nil || criteria.SearchTerm == "" {
		router.WriteError(w, matrix.BadJSON("Missing search_term."))
		return
	}

	ctx := r.Context()
	id := router.IdentityFrom(ctx)

	targets := criteria.Filter.Rooms
	if len(targets) == 0 {
		joined, err := h.rooms.RoomsJoined(ctx, id.User)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		targets = joined
	}

	// A hit is a count paired with its room. Counts come off the global
	// counter, so sorting them orders hits across rooms by recency.
	type hit struct {
		room  ref.RoomID
		count uint64
	}
	var hits []hit
	for _, room := range targets {
		joined, err := h.rooms.IsJoined(ctx, id.User, room)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if !joined {
			router.WriteError(w, matrix.Forbidden("You are not allowed to search room %s.", room))
			return
		}
		counts, err := h.rooms.SearchPDUs(ctx, room, criteria.SearchTerm, 0)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		for _, count := range counts {
			hits = append(hits, hit{room: room, count: count})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].count > hits[j].count })

	skip := 0
	if batch := r.URL.Query().Get("next_batch"); batch != "" {
		n, err := strconv.Atoi(batch)
		if err != nil || n < 0 {
			router.WriteError(w, matrix.InvalidParam("invalid next_batch token %q", batch))
			return
		}
		skip = n
	}
	limit := criteria.Filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	events := searchRoomEvents{
		Results:    []searchResult{},
		Highlights: strings.Fields(strings.ToLower(criteria.SearchTerm)),
	}
	for i := skip; i < len(hits) && len(events.Results) < limit; i++ {
		pdu, err := h.rooms.PDUAt(ctx, hits[i].room, hits[i].count)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if pdu == nil {
			continue
		}
		visible, err := h.rooms.UserCanSeeEvent(ctx, id.User, pdu.RoomID, pdu.EventID)
		if err != nil {
			router.WriteError(w, err)
			return
		}
		if !visible {
			continue
		}
		events.Results = append(events.Results, searchResult{Result: matrix.NewClientEvent(pdu)})
	}
	events.Count = len(hits)
	if skip+len(events.Results) < len(hits) {
		events.NextBatch = strconv.Itoa(skip + len(events.Results))
	}

	router.WriteJSON(w, http.StatusOK, map[string]any{
		"search_categories": map[string]any{
			"room_events": events,
		},
	})
}
