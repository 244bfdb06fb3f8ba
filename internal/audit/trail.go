// Package audit keeps a hash-chained trail of engine operations (migrations,
// rollbacks, backups, restores) persisted through the backend itself. Each
// event's hash covers the previous hash and a canonical payload, so any
// after-the-fact edit to the log is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolvedb/evolve/internal/backend"
)

// Reserved keys the trail owns in the backend keyspace.
const (
	LogKey = "internal:audit_log"
	TipKey = "internal:audit_tip"
)

type Trail struct {
	backend backend.Backend
	mu      sync.Mutex
}

func NewTrail(b backend.Backend) *Trail {
	return &Trail{backend: b}
}

// Record appends an event to the chain. The log and tip are written inside
// one transaction so they cannot diverge.
func (t *Trail) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Action) == "" {
		return fmt.Errorf("record audit event: action is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	detailsJSON := ""
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("record audit event: encode details: %w", err)
		}
		detailsJSON = string(raw)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.backend.WithTransaction(ctx, func(txCtx context.Context) error {
		events, tip, err := t.load(txCtx)
		if err != nil {
			return err
		}

		recorded := RecordedEvent{
			ID:          uuid.NewString(),
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339Nano),
			Action:      event.Action,
			TargetID:    event.TargetID,
			Result:      event.Result,
			DetailsJSON: detailsJSON,
			PrevHash:    tip,
		}
		recorded.EventHash = chainHash(tip, canonicalPayload(recorded))

		events = append(events, recorded)
		if err := t.backend.Set(txCtx, LogKey, events); err != nil {
			return err
		}
		return t.backend.Set(txCtx, TipKey, recorded.EventHash)
	})
}

func (t *Trail) List(ctx context.Context) ([]RecordedEvent, error) {
	events, _, err := t.load(ctx)
	return events, err
}

// Verify walks the chain and recomputes every hash.
func (t *Trail) Verify(ctx context.Context) (*VerifyResult, error) {
	events, storedTip, err := t.load(ctx)
	if err != nil {
		return nil, err
	}

	prev := ""
	for _, event := range events {
		expected := chainHash(prev, canonicalPayload(event))
		if subtle.ConstantTimeCompare([]byte(event.PrevHash), []byte(prev)) != 1 ||
			subtle.ConstantTimeCompare([]byte(event.EventHash), []byte(expected)) != 1 {
			return &VerifyResult{
				Valid:      false,
				EventCount: len(events),
				ChainTip:   prev,
				Error:      fmt.Sprintf("hash mismatch at event %s", event.ID),
			}, nil
		}
		prev = event.EventHash
	}

	if subtle.ConstantTimeCompare([]byte(storedTip), []byte(prev)) != 1 {
		return &VerifyResult{
			Valid:      false,
			EventCount: len(events),
			ChainTip:   prev,
			Error:      "hash mismatch at chain tip",
		}, nil
	}
	return &VerifyResult{Valid: true, EventCount: len(events), ChainTip: prev}, nil
}

func (t *Trail) load(ctx context.Context) ([]RecordedEvent, string, error) {
	value, ok, err := t.backend.Get(ctx, LogKey)
	if err != nil {
		return nil, "", err
	}
	var events []RecordedEvent
	if ok {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, "", fmt.Errorf("load audit log: %w", err)
		}
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, "", fmt.Errorf("load audit log: %w", err)
		}
	}

	tip := ""
	value, ok, err = t.backend.Get(ctx, TipKey)
	if err != nil {
		return nil, "", err
	}
	if ok {
		if s, isString := value.(string); isString {
			tip = s
		}
	}
	return events, tip, nil
}

// canonicalPayload is the hashed surface of an event: everything except the
// hashes themselves and the random ID.
func canonicalPayload(event RecordedEvent) []byte {
	payload := struct {
		Timestamp string `json:"timestamp"`
		Action    string `json:"action"`
		TargetID  string `json:"target_id"`
		Result    string `json:"result"`
		Details   string `json:"details"`
	}{event.Timestamp, event.Action, event.TargetID, event.Result, event.DetailsJSON}

	raw, err := json.Marshal(payload)
	if err != nil {
		// Marshaling a struct of strings cannot fail.
		panic(err)
	}
	return raw
}

func chainHash(prev string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
