package core

// error_messages.go maps technical errors to coded, human-readable defect
// messages. Codes let an operator grep the run log and the run report for a
// class of failure.
//
// # Catalog (CAT001-CAT099)
//
//	CAT001 - Remote listing unreachable or unparseable. Fatal for the run.
//	CAT002 - No YYYY-MM partition in the listing. Fatal for the run.
//
// # Transfers (XFR001-XFR099)
//
//	XFR001 - Server answered with an error status
//	XFR002 - Body shorter than the advertised size
//	XFR003 - Connection dropped mid-transfer
//	XFR004 - Waited too long for a transfer slot
//
// # Archives (ARC001-ARC099)
//
//	ARC001 - Archive contains no payload
//	ARC002 - Archive contains more than one payload
//	ARC003 - File is not a readable zip archive
//	ARC004 - Archive name matches no known entity
//
// # Schema (SCH001-SCH099)
//
//	SCH001 - Field could not be cast and was set to null
//	SCH002 - Row has more columns than the entity declares
//	SCH003 - Row rejected by the strict coercion policy
//	SCH004 - Payload is not valid delimited text
//
// # Database (DB001-DB099)
//
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Artifact unreadable during load
//	DB007 - Deadlock
//	DB008 - Missing table or column
//
// # Runs (RUN001-RUN099)
//
//	RUN001 - A run was requested while another is in progress
//
// # Timeouts (TMO001)
//
//	TMO001 - Any operation that exceeded its deadline
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns precede general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides readable error information with actionable guidance.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Code for log and report correlation
}

// errorPattern defines a pattern to match and its corresponding message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Catalog
	// =========================================================================
	{
		pattern: "no partition",
		msg: UserMessage{
			Message: "No dataset partition found in the remote listing",
			Action:  "Check REMOTE_BASE_URL points at the partition index",
			Code:    "CAT002",
		},
	},
	{
		pattern: "catalog unavailable",
		msg: UserMessage{
			Message: "Remote listing is unreachable or unparseable",
			Action:  "Retry later; the publisher may be down",
			Code:    "CAT001",
		},
	},

	// =========================================================================
	// Archives
	// =========================================================================
	{
		pattern: "no payload",
		msg: UserMessage{
			Message: "Archive contains no payload",
			Action:  "Delete the archive so the next run downloads it again",
			Code:    "ARC001",
		},
	},
	{
		pattern: "multiple payloads",
		msg: UserMessage{
			Message: "Archive contains more than one payload",
			Action:  "Inspect the archive; the publisher layout may have changed",
			Code:    "ARC002",
		},
	},
	{
		pattern: "not a valid zip",
		msg: UserMessage{
			Message: "File is not a readable zip archive",
			Action:  "Delete the archive so the next run downloads it again",
			Code:    "ARC003",
		},
	},
	{
		pattern: "unknown entity",
		msg: UserMessage{
			Message: "Archive name matches no known entity",
			Action:  "Register a prefix for the new archive family",
			Code:    "ARC004",
		},
	},

	// =========================================================================
	// Schema
	// =========================================================================
	{
		pattern: "set to null",
		msg: UserMessage{
			Message: "Field could not be cast and was set to null",
			Action:  "Review the source value; set COERCE_POLICY=reject to drop such rows",
			Code:    "SCH001",
		},
	},
	{
		pattern: "columns, ",
		msg: UserMessage{
			Message: "Row has more columns than the entity declares",
			Action:  "Check CSV_SEPARATOR and CSV_QUOTE",
			Code:    "SCH002",
		},
	},
	{
		pattern: "schema violation",
		msg: UserMessage{
			Message: "Row rejected by the strict coercion policy",
			Action:  "Review the source value or set COERCE_POLICY=null",
			Code:    "SCH003",
		},
	},
	{
		pattern: "parse error on line",
		msg: UserMessage{
			Message: "Payload is not valid delimited text",
			Action:  "Check CSV_SEPARATOR, CSV_QUOTE and CSV_ENCODING",
			Code:    "SCH004",
		},
	},

	// =========================================================================
	// Transfers
	// =========================================================================
	{
		pattern: "unexpected status",
		msg: UserMessage{
			Message: "Server answered with an error status",
			Action:  "Retry later; the file may be temporarily unavailable",
			Code:    "XFR001",
		},
	},
	{
		pattern: "short body",
		msg: UserMessage{
			Message: "Body shorter than the advertised size",
			Action:  "Retry; the transfer was truncated",
			Code:    "XFR002",
		},
	},
	{
		pattern: "transfer slot",
		msg: UserMessage{
			Message: "No transfer slot freed up in time",
			Action:  "Raise REMOTE_SLOT_WAIT or REMOTE_MAX_CONCURRENT",
			Code:    "XFR004",
		},
	},

	// =========================================================================
	// Database
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to the target store",
			Action:  "Check the store is running and reachable",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Connection was interrupted",
			Action:  "Re-run the pipeline; loads are idempotent",
			Code:    "DB005",
		},
	},
	{
		pattern: "read artifact",
		msg: UserMessage{
			Message: "Consolidated artifact could not be read back",
			Action:  "Re-run consolidation for the entity, then load again",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Store was busy with conflicting operations",
			Action:  "Lower LOAD_PARALLELISM and re-run",
			Code:    "DB007",
		},
	},
	{
		pattern: "does not exist",
		msg: UserMessage{
			Message: "Target table or column does not exist",
			Action:  "Run migrations before loading",
			Code:    "DB008",
		},
	},

	// =========================================================================
	// Runs
	// =========================================================================
	{
		pattern: "already in progress",
		msg: UserMessage{
			Message: "A run is already in progress",
			Action:  "Wait for it to finish; GET /report shows the outcome",
			Code:    "RUN001",
		},
	},

	// =========================================================================
	// Generic timeouts come last so specific messages win
	// =========================================================================
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Retry later or raise the relevant timeout",
			Code:    "TMO001",
		},
	},
	{
		pattern: "deadline exceeded",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Retry later or raise the relevant timeout",
			Code:    "TMO001",
		},
	},
	{
		pattern: "unexpected eof",
		msg: UserMessage{
			Message: "Connection dropped mid-transfer",
			Action:  "Retry; the transfer was truncated",
			Code:    "XFR003",
		},
	},
}

// defaultMessage is returned when no pattern matches.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the run log for the technical error",
	Code:    "ERR000",
}

// MapError converts a technical error to a coded message.
// It returns the first matching pattern, or ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
