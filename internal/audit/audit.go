// Package audit provides the append-only decision log for the gateway.
// Every admission decision and dispatcher action is recorded with its reason
// codes; records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewLogger creates an audit logger, recovering the hash chain tail.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Record appends one decision entry. Failures are returned but callers treat
// audit write errors as non-fatal for the admission decision itself.
func (al *Logger) Record(e core.AuditEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	reasonsJSON, err := json.Marshal(e.Reasons)
	if err != nil {
		reasonsJSON = []byte("[]")
	}

	ts := e.At.UTC().Format(time.RFC3339Nano)
	recordHash := al.computeHash(ts, e.RequestID, string(e.DecisionType), string(reasonsJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, request_id, kind, decision_type, source, trust_scope, account_id, score, reasons, latency_ms, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, e.RequestID, string(e.Kind), string(e.DecisionType),
		e.Source, e.TrustScope, e.AccountID, e.Score, string(reasonsJSON), e.LatencyMS,
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// computeHash creates the chain link:
// SHA-256(previousHash + timestamp + requestID + decision + reasons)
func (al *Logger) computeHash(ts, requestID, decision, reasons string) string {
	data := al.lastHash + ts + requestID + decision + reasons
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, request_id, decision_type, reasons, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, requestID, decision, reasons, recordHash string
		if err := rows.Scan(&ts, &requestID, &decision, &reasons, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + requestID + decision + reasons
		h := sha256.Sum256([]byte(data))
		expected := hex.EncodeToString(h[:])

		if expected != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}
