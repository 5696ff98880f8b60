// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package sending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

const (
	// maxTransactionPDUs is the federation transaction limit. A batch
	// never carries more.
	maxTransactionPDUs = 50

	// maxReceiptRooms caps how many rooms' receipts one transaction
	// carries. The watermark only advances past what was sent, so the
	// rest follows in the next transaction.
	maxReceiptRooms = 20

	// Retry pacing for a failing destination. Delivery never gives
	// up while the queue holds entries; a long outage just settles at
	// the maximum interval.
	retryInitialInterval = 5 * time.Second
	retryMaxInterval     = 10 * time.Minute
)

// runWorker is the per-destination delivery loop. It ships batches
// until the queue is empty, then sleeps on the notify channel. On
// failure it backs off exponentially, but a new event wakes it early.
func (s *Service) runWorker(w *worker) {
	defer s.wg.Done()
	ctx := s.ctx

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = retryInitialInterval
	retry.MaxInterval = retryMaxInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		shipped, err := s.shipOnce(ctx, w.dest)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			s.failures.Add(1)
			s.logger.Warn("transaction delivery failed",
				"destination", w.dest.String(),
				"retry_in", wait,
				"error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(wait):
			case <-w.notify:
			}
			continue
		}
		retry.Reset()
		if shipped {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		}
	}
}

// shipOnce assembles and delivers at most one transaction. It reports
// whether progress was made; (false, nil) means the destination is
// idle and the worker can sleep.
func (s *Service) shipOnce(ctx context.Context, dest Destination) (bool, error) {
	entries, err := s.inflightEntries(ctx, dest)
	if err != nil {
		return false, err
	}
	if len(entries) < maxTransactionPDUs {
		promoted, err := s.promoteQueued(ctx, dest, maxTransactionPDUs-len(entries))
		if err != nil {
			return false, err
		}
		entries = append(entries, promoted...)
	}

	if dest.IsAppservice() {
		return s.shipAppservice(ctx, dest, entries)
	}
	return s.shipFederation(ctx, dest, entries)
}

// transactionBody is the federation /send request.
type transactionBody struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// transactionResult is the federation /send response: per-event
// outcomes keyed by event ID.
type transactionResult struct {
	PDUs map[string]struct {
		Error string `json:"error"`
	} `json:"pdus"`
}

func (s *Service) shipFederation(ctx context.Context, dest Destination, entries []pendingEntry) (bool, error) {
	edus, watermark, err := s.selectReceiptEDUs(ctx, dest)
	if err != nil {
		return false, err
	}

	pdus := make([]json.RawMessage, 0, len(entries))
	var txnCount uint64
	for _, entry := range entries {
		if entry.count > txnCount {
			txnCount = entry.count
		}
		raw, err := s.outgoingPDU(ctx, entry.event)
		if err != nil {
			return false, err
		}
		if raw == nil {
			s.logger.Warn("dropping unknown event from outbound queue",
				"destination", dest.String(), "event", entry.event.String())
			continue
		}
		pdus = append(pdus, raw)
	}

	if len(pdus) == 0 && len(edus) == 0 {
		// Nothing deliverable. Clear entries that resolved to nothing
		// and record a watermark that moved over remote-only receipts
		// so they are not rescanned forever.
		if len(entries) > 0 || watermark > 0 {
			batch := s.db.NewBatch()
			for _, entry := range entries {
				batch.Del(s.inflight, entry.key)
			}
			if watermark > 0 {
				batch.Put(s.eduCount, dest.Key(), database.EncodeCounter(watermark))
			}
			if err := batch.Commit(ctx); err != nil {
				return false, err
			}
		}
		return len(entries) > 0, nil
	}

	// The transaction ID is the batch's highest queue count, which is
	// stable across retries so the receiver can deduplicate. An
	// EDU-only transaction uses the receipt watermark instead.
	if txnCount == 0 {
		txnCount = watermark
	}
	txnID := strconv.FormatUint(txnCount, 10)

	body := transactionBody{
		Origin:         s.globals.ServerName().String(),
		OriginServerTS: s.clock.Now().UnixMilli(),
		PDUs:           pdus,
		EDUs:           edus,
	}
	var result transactionResult
	err = s.federation.Do(ctx, dest.Server, http.MethodPut,
		"/_matrix/federation/v1/send/"+txnID, body, &result)
	if err != nil {
		return false, err
	}
	for eventID, outcome := range result.PDUs {
		if outcome.Error != "" {
			s.logger.Warn("destination rejected event",
				"destination", dest.String(),
				"event", eventID,
				"error", outcome.Error)
		}
	}

	batch := s.db.NewBatch()
	for _, entry := range entries {
		batch.Del(s.inflight, entry.key)
	}
	if watermark > 0 {
		batch.Put(s.eduCount, dest.Key(), database.EncodeCounter(watermark))
	}
	if err := batch.Commit(ctx); err != nil {
		return false, err
	}
	s.delivered.Add(1)
	s.logger.Debug("transaction delivered",
		"destination", dest.String(),
		"txn_id", txnID,
		"pdus", len(pdus),
		"edus", len(edus))
	return true, nil
}

// outgoingPDU loads an event and converts it to the federation wire
// format of its room version. Returns nil for unknown events.
func (s *Service) outgoingPDU(ctx context.Context, event ref.EventID) (json.RawMessage, error) {
	pdu, err := s.rooms.PDUByID(ctx, event)
	if err != nil || pdu == nil {
		return nil, err
	}
	version, err := s.rooms.RoomVersion(ctx, pdu.RoomID)
	if err != nil {
		return nil, err
	}
	obj, err := pdu.Canonical()
	if err != nil {
		return nil, err
	}
	wire := matrix.ToOutgoingFederation(obj, version)
	raw, err := canonicaljson.Encode(wire)
	if err != nil {
		return nil, fmt.Errorf("sending: encoding %s for federation: %w", event, err)
	}
	return raw, nil
}

// Receipt EDU shapes per the federation transaction format.
type receiptEDU struct {
	EDUType string                         `json:"edu_type"`
	Content map[string]map[string]receipts `json:"content"`
}

type receipts map[string]receiptRecord

type receiptRecord struct {
	EventIDs []string     `json:"event_ids"`
	Data     receiptStamp `json:"data"`
}

type receiptStamp struct {
	TS int64 `json:"ts"`
}

// selectReceiptEDUs gathers local users' read receipts newer than the
// destination's watermark across the rooms it shares with us. The
// returned watermark covers every receipt scanned, remote ones
// included, so acknowledging it stops their rescan.
func (s *Service) selectReceiptEDUs(ctx context.Context, dest Destination) ([]json.RawMessage, uint64, error) {
	since, err := s.destEduCount(ctx, dest)
	if err != nil {
		return nil, 0, err
	}
	sharedRooms, err := s.rooms.ServerRooms(ctx, dest.Server)
	if err != nil {
		return nil, 0, err
	}

	content := make(map[string]map[string]receipts)
	var watermark uint64
	included := 0
	for _, room := range sharedRooms {
		if included >= maxReceiptRooms {
			break
		}
		roomReceipts, err := s.rooms.ReceiptsAfter(ctx, room, since)
		if err != nil {
			return nil, 0, err
		}
		var read receipts
		for _, receipt := range roomReceipts {
			if receipt.Count > watermark {
				watermark = receipt.Count
			}
			if !s.globals.UserIsLocal(receipt.User) {
				continue
			}
			if read == nil {
				read = make(receipts)
			}
			read[receipt.User.String()] = receiptRecord{
				EventIDs: []string{receipt.EventID.String()},
				Data:     receiptStamp{TS: receipt.TS},
			}
		}
		if read != nil {
			content[room.String()] = map[string]receipts{"m.read": read}
			included++
		}
	}
	if len(content) == 0 {
		return nil, watermark, nil
	}

	raw, err := json.Marshal(receiptEDU{EDUType: "m.receipt", Content: content})
	if err != nil {
		return nil, 0, fmt.Errorf("sending: encoding receipt EDU: %w", err)
	}
	return []json.RawMessage{raw}, watermark, nil
}

// appserviceTransaction is the appservice /transactions request.
type appserviceTransaction struct {
	Events []*matrix.ClientEvent `json:"events"`
}

func (s *Service) shipAppservice(ctx context.Context, dest Destination, entries []pendingEntry) (bool, error) {
	if len(entries) == 0 {
		return false, nil
	}
	reg, ok := s.appservice.Get(dest.Appservice)
	if !ok || reg.URL == "" {
		// The registration disappeared or stopped receiving traffic;
		// its queue has nowhere to go.
		if err := s.CleanupDestination(ctx, dest); err != nil {
			return false, err
		}
		return false, nil
	}

	events := make([]*matrix.ClientEvent, 0, len(entries))
	var txnCount uint64
	for _, entry := range entries {
		if entry.count > txnCount {
			txnCount = entry.count
		}
		pdu, err := s.rooms.PDUByID(ctx, entry.event)
		if err != nil {
			return false, err
		}
		if pdu == nil {
			s.logger.Warn("dropping unknown event from appservice queue",
				"appservice", reg.ID, "event", entry.event.String())
			continue
		}
		if err := pdu.RemoveTransactionID(); err != nil {
			s.logger.Warn("stripping transaction id", "event", entry.event.String(), "error", err)
		}
		events = append(events, matrix.NewClientEvent(pdu))
	}

	if len(events) > 0 {
		txnID := strconv.FormatUint(txnCount, 10)
		if err := s.pushAppservice(ctx, reg.URL, reg.HSToken, txnID, events); err != nil {
			return false, err
		}
		s.delivered.Add(1)
		s.logger.Debug("appservice transaction delivered",
			"appservice", reg.ID, "txn_id", txnID, "events", len(events))
	}

	batch := s.db.NewBatch()
	for _, entry := range entries {
		batch.Del(s.inflight, entry.key)
	}
	if err := batch.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// pushAppservice PUTs a transaction to the appservice. The hs_token
// rides both as a bearer header and as the legacy query parameter.
func (s *Service) pushAppservice(ctx context.Context, base, hsToken, txnID string, events []*matrix.ClientEvent) error {
	body, err := json.Marshal(appserviceTransaction{Events: events})
	if err != nil {
		return fmt.Errorf("sending: encoding appservice transaction: %w", err)
	}
	target := strings.TrimSuffix(base, "/") + "/_matrix/app/v1/transactions/" + url.PathEscape(txnID) +
		"?access_token=" + url.QueryEscape(hsToken)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sending: building appservice request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+hsToken)

	response, err := s.appserviceClient.Do(request)
	if err != nil {
		return fmt.Errorf("sending: appservice push: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("sending: appservice push returned %d: %s",
			response.StatusCode, string(snippet))
	}
	return nil
}
