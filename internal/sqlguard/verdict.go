package sqlguard

import "fmt"

type Reason string

const (
	ReasonMalformed         Reason = "malformed"
	ReasonNonReadOperation  Reason = "non_read_operation"
	ReasonUnknownIdentifier Reason = "unknown_identifier"
	ReasonTooComplex        Reason = "too_complex"
	ReasonMissingRowLimit   Reason = "missing_row_limit"
)

// Verdict is either Accepted with the SQL to execute, or Rejected with a
// reason and an explanation meant for the next synthesis attempt.
type Verdict struct {
	Accepted      bool   `json:"accepted"`
	SQL           string `json:"sql,omitempty"`
	LimitInjected bool   `json:"limit_injected,omitempty"`
	Reason        Reason `json:"reason,omitempty"`
	Explanation   string `json:"explanation,omitempty"`
}

func accept(sql string, limitInjected bool) Verdict {
	return Verdict{Accepted: true, SQL: sql, LimitInjected: limitInjected}
}

func reject(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Explanation: fmt.Sprintf(format, args...)}
}

func (v Verdict) String() string {
	if v.Accepted {
		return "accepted"
	}
	return fmt.Sprintf("rejected(%s): %s", v.Reason, v.Explanation)
}
