// Package outbox is the append-only JSONL journal of order submissions and
// their outcomes.
package outbox

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Order struct {
	ClientOrderID  string    `json:"client_order_id"`
	PositionID     string    `json:"position_id"`
	Kind           string    `json:"kind"`
	Symbol         string    `json:"symbol"`
	Intent         string    `json:"intent"`
	Legs           []string  `json:"legs"`
	Quantity       int       `json:"quantity"`
	LimitPrice     float64   `json:"limit_price"`
	Credit         bool      `json:"credit"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type Fill struct {
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	State         string    `json:"state"`
	FilledQty     int       `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	LegStates     []string  `json:"leg_states,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     int64     `json:"latency_ms"`
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox appends entries to a JSONL file. Writers are serialized.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.append("order", order)
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.append("fill", fill)
}

func (o *Outbox) append(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: typ, Data: data, Event: time.Now().UTC()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Entries reads the whole journal, skipping malformed lines.
func (o *Outbox) Entries() ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// HasRecentOrder reports whether an order with idempotencyKey was journaled
// within the dedupe window.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	entries, err := o.Entries()
	if err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-o.dedupeWindow)
	for _, e := range entries {
		if e.Type != "order" || e.Event.Before(cutoff) {
			continue
		}
		var order Order
		if err := json.Unmarshal(e.Data, &order); err != nil {
			continue
		}
		if order.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

// GenerateIdempotencyKey derives a stable broker client order id from the
// position, the order's purpose and the attempt number.
func GenerateIdempotencyKey(positionID, intent string, attempt int) string {
	data := fmt.Sprintf("%s-%s-%d", positionID, intent, attempt)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("pe-%x", hash[:12])
}
