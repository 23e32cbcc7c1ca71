// ABOUTME: Per-action SQL authorizer enforcing the tenant sandbox
// ABOUTME: Table-driven allow-list evaluated by SQLite during statement compilation

package tenant

import (
	"log/slog"
	"strconv"
)

// SQLite authorizer action codes, per https://www.sqlite.org/c3ref/c_alter_table.html.
// Declared locally so the policy table below reads as a direct transcription
// of the engine's action vocabulary.
const (
	opCreateIndex       = 1
	opCreateTable       = 2
	opCreateTempIndex   = 3
	opCreateTempTable   = 4
	opCreateTempTrigger = 5
	opCreateTempView    = 6
	opCreateTrigger     = 7
	opCreateView        = 8
	opDelete            = 9
	opDropIndex         = 10
	opDropTable         = 11
	opDropTempIndex     = 12
	opDropTempTable     = 13
	opDropTempTrigger   = 14
	opDropTempView      = 15
	opDropTrigger       = 16
	opDropView          = 17
	opInsert            = 18
	opPragma            = 19
	opRead              = 20
	opSelect            = 21
	opTransaction       = 22
	opUpdate            = 23
	opAttach            = 24
	opDetach            = 25
	opAlterTable        = 26
	opReindex           = 27
	opAnalyze           = 28
	opCreateVtable      = 29
	opDropVtable        = 30
	opFunction          = 31
	opSavepoint         = 32
	opRecursive         = 33
)

// SQLite authorizer return codes.
const (
	authAllow = 0 // SQLITE_OK
	authDeny  = 1 // SQLITE_DENY
)

// actionNames maps action codes to their SQLite names for audit logging.
var actionNames = map[int]string{
	opCreateIndex:       "SQLITE_CREATE_INDEX",
	opCreateTable:       "SQLITE_CREATE_TABLE",
	opCreateTempIndex:   "SQLITE_CREATE_TEMP_INDEX",
	opCreateTempTable:   "SQLITE_CREATE_TEMP_TABLE",
	opCreateTempTrigger: "SQLITE_CREATE_TEMP_TRIGGER",
	opCreateTempView:    "SQLITE_CREATE_TEMP_VIEW",
	opCreateTrigger:     "SQLITE_CREATE_TRIGGER",
	opCreateView:        "SQLITE_CREATE_VIEW",
	opDelete:            "SQLITE_DELETE",
	opDropIndex:         "SQLITE_DROP_INDEX",
	opDropTable:         "SQLITE_DROP_TABLE",
	opDropTempIndex:     "SQLITE_DROP_TEMP_INDEX",
	opDropTempTable:     "SQLITE_DROP_TEMP_TABLE",
	opDropTempTrigger:   "SQLITE_DROP_TEMP_TRIGGER",
	opDropTempView:      "SQLITE_DROP_TEMP_VIEW",
	opDropTrigger:       "SQLITE_DROP_TRIGGER",
	opDropView:          "SQLITE_DROP_VIEW",
	opInsert:            "SQLITE_INSERT",
	opPragma:            "SQLITE_PRAGMA",
	opRead:              "SQLITE_READ",
	opSelect:            "SQLITE_SELECT",
	opTransaction:       "SQLITE_TRANSACTION",
	opUpdate:            "SQLITE_UPDATE",
	opAttach:            "SQLITE_ATTACH",
	opDetach:            "SQLITE_DETACH",
	opAlterTable:        "SQLITE_ALTER_TABLE",
	opReindex:           "SQLITE_REINDEX",
	opAnalyze:           "SQLITE_ANALYZE",
	opCreateVtable:      "SQLITE_CREATE_VTABLE",
	opDropVtable:        "SQLITE_DROP_VTABLE",
	opFunction:          "SQLITE_FUNCTION",
	opSavepoint:         "SQLITE_SAVEPOINT",
	opRecursive:         "SQLITE_RECURSIVE",
}

// allowedFunctions is the fixed whitelist of SQL functions callable from
// tenant SQL. Expanding this list is a security-relevant change, not a
// config tweak.
var allowedFunctions = map[string]bool{
	"json":         true,
	"json_extract": true,
	"length":       true,
	"count":        true,
}

// rule decides one action kind given the action's primary and secondary
// objects. Rules never see raw SQL text; the engine has already classified
// the statement into elementary actions.
type rule func(p *Policy, primary, secondary string) bool

func allowAny(*Policy, string, string) bool { return true }

// policyRules is the sandbox decision table. Action kinds absent from the
// table are denied. Row deletes are allowed alongside inserts and updates:
// key deletion and INSERT OR REPLACE both compile to SQLITE_DELETE actions.
var policyRules = map[int]rule{
	opCreateIndex: allowAny,
	// CREATE INDEX on a populated table reindexes during population, so the
	// reindex action has to pass or index creation only works on empty tables.
	opReindex: allowAny,
	opCreateTable: func(_ *Policy, _, secondary string) bool {
		return secondary == ""
	},
	opInsert: allowAny,
	opRead:   allowAny,
	opUpdate: allowAny,
	opDelete: allowAny,
	opSelect: func(_ *Policy, primary, secondary string) bool {
		return primary == "" && secondary == ""
	},
	opTransaction: func(_ *Policy, primary, _ string) bool {
		switch primary {
		case "BEGIN", "COMMIT", "ROLLBACK":
			return true
		}
		return false
	},
	opAlterTable: func(p *Policy, _, secondary string) bool {
		// Only the tenant's own table may be altered; the secondary
		// object is the table being renamed or modified.
		return secondary == p.table
	},
	opFunction: func(_ *Policy, _, secondary string) bool {
		return allowedFunctions[secondary]
	},
}

// Policy is the per-tenant authorizer. It is bound to a single tenant's
// derived table name at construction and installed on every connection the
// sandboxed connector opens; it holds no other mutable state.
type Policy struct {
	table  string
	logger *slog.Logger
}

// NewPolicy builds a sandbox policy for one tenant's internal table name.
func NewPolicy(table string, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		table:  table,
		logger: logger.With("component", "authorizer", "table", table),
	}
}

// Authorize is the engine callback, invoked once per elementary action while
// a statement compiles. Anything outside the allow-list is denied and logged
// for audit; the statement then aborts with no partial effect.
func (p *Policy) Authorize(action int, primary, secondary, database string) int {
	if r, ok := policyRules[action]; ok && r(p, primary, secondary) {
		return authAllow
	}

	p.logger.Warn("sql action rejected",
		"action", actionName(action),
		"primary", primary,
		"secondary", secondary,
		"database", database,
	)
	return authDeny
}

func actionName(action int) string {
	if name, ok := actionNames[action]; ok {
		return name
	}
	return "SQLITE_UNKNOWN_" + strconv.Itoa(action)
}
