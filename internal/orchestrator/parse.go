package orchestrator

import (
	"strconv"
	"strings"

	"github.com/shaunagostinho/hipotd/internal/instrument"
	"github.com/shaunagostinho/hipotd/internal/types"
)

// SentinelRemaining is the remaining-time value the instrument reports once
// the step has ended. It is compared by exact equality.
const SentinelRemaining = 9.91e37

// Judgment codes, checked in this order by substring.
var judgementCodes = []struct {
	code    string
	verdict types.Verdict
}{
	{"116", types.VerdictPass},
	{"65", types.VerdictHighFail},
	{"66", types.VerdictLowFail},
	{"71", types.VerdictOutputFail},
}

// ParseJudgement maps a raw judgment reply to a verdict.
func ParseJudgement(raw string) types.Verdict {
	for _, jc := range judgementCodes {
		if strings.Contains(raw, jc.code) {
			return jc.verdict
		}
	}
	return types.VerdictUnknown
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// ParseMeasurement decodes voltage and resistance from the first two fields
// of a data reply in the given dialect. An inline-time dialect also needs a
// numeric third field before the line counts as a measurement.
func ParseMeasurement(d instrument.Dialect, payload string) (voltage, resistance float64, err error) {
	p := strings.ReplaceAll(payload, "\r\n", "")
	fields := strings.Split(p, d.Delimiter)
	need := 2
	if d.InlineRemaining {
		need = 3
	}
	if len(fields) < need {
		return 0, 0, &instrument.ParseError{Payload: payload, Reason: "too few fields"}
	}
	if voltage, err = parseNumber(fields[0]); err != nil {
		return 0, 0, &instrument.ParseError{Payload: payload, Reason: "bad voltage"}
	}
	if resistance, err = parseNumber(fields[1]); err != nil {
		return 0, 0, &instrument.ParseError{Payload: payload, Reason: "bad resistance"}
	}
	if d.InlineRemaining {
		if _, err = parseNumber(fields[2]); err != nil {
			return 0, 0, &instrument.ParseError{Payload: payload, Reason: "bad remaining time"}
		}
	}
	return voltage, resistance, nil
}

// ParseRemaining decodes the remaining time. A payload containing ';' is
// split on it and needs at least three fields, the third being the time.
// Otherwise the last ',' field is the time.
func ParseRemaining(payload string) (float64, error) {
	p := strings.ReplaceAll(payload, "\r\n", "")
	var field string
	if strings.Contains(p, ";") {
		fields := strings.Split(p, ";")
		if len(fields) < 3 {
			return 0, &instrument.ParseError{Payload: payload, Reason: "too few fields"}
		}
		field = fields[2]
	} else {
		fields := strings.Split(p, ",")
		field = fields[len(fields)-1]
	}
	v, err := parseNumber(field)
	if err != nil {
		return 0, &instrument.ParseError{Payload: payload, Reason: "bad remaining time"}
	}
	return v, nil
}
