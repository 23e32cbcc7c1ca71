// ABOUTME: Audit log for administrative actions on the principal store
// ABOUTME: Records who changed which user or grant, for operator review

package principal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable administrative action.
type AuditAction string

const (
	auditRegisterUser AuditAction = "register_user"
	auditDeleteUser   AuditAction = "delete_user"
	auditGrant        AuditAction = "grant"
	auditRevoke       AuditAction = "revoke"

	// AuditCreateTenant is appended by callers when a tenant is created.
	AuditCreateTenant AuditAction = "create_tenant"
)

// AuditEntry is a single audit log record.
type AuditEntry struct {
	ID        string
	Actor     string
	Action    AuditAction
	Target    string
	Timestamp time.Time
	Detail    map[string]any
}

// AppendAudit appends an entry to the audit log. Exposed for callers (the web
// layer records tenant creation); internal store mutations append their own.
func (s *Store) AppendAudit(ctx context.Context, actor string, action AuditAction, target string, detail map[string]any) error {
	var detailJSON any
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detailJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor, action, target, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), actor, string(action), target, nowUTC(), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// appendAudit is the best-effort variant used by store mutations. A failed
// audit write is logged, not propagated; the mutation already happened.
func (s *Store) appendAudit(ctx context.Context, actor string, action AuditAction, target string, detail map[string]any) {
	if err := s.AppendAudit(ctx, actor, action, target, detail); err != nil {
		s.logger.Error("appending audit entry", "action", action, "error", err)
	}
}

// ListAudit returns the most recent audit entries, newest first. A limit of 0
// or less defaults to 100, capped at 1000.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, actor, action, target, ts, detail_json
		FROM audit_log
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actionStr, tsStr string
		var detailJSON *string

		if err := rows.Scan(&e.ID, &e.Actor, &actionStr, &e.Target, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.Action = AuditAction(actionStr)
		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
