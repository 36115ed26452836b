package store

import "regexp"

// Decision is what a device asked for, before it is mapped to a choice key.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionAllowAll Decision = "allow_all"
)

// Keys sent when the prompt was not parsed into choices.
const (
	fallbackAllowKey = "1"
	fallbackDenyKey  = "3"
)

// "don't ask again" prompts, including the Japanese locale wording.
var allowAllPattern = regexp.MustCompile(`(?i)don.t ask again|always|省略`)

// ResolveSendKey maps a decision to the key the originating agent types into
// its prompt. allow picks the lowest-numbered choice, deny the highest, and
// allow_all the first choice whose text opts out of future prompts.
func ResolveSendKey(req Request, d Decision) string {
	if len(req.Choices) == 0 {
		if d == DecisionDeny {
			return fallbackDenyKey
		}
		return fallbackAllowKey
	}

	lowest, highest := req.Choices[0], req.Choices[0]
	for _, c := range req.Choices[1:] {
		if c.Number < lowest.Number {
			lowest = c
		}
		if c.Number > highest.Number {
			highest = c
		}
	}

	switch d {
	case DecisionDeny:
		return itoa(highest.Number)
	case DecisionAllowAll:
		for _, c := range req.Choices {
			if allowAllPattern.MatchString(c.Text) {
				return itoa(c.Number)
			}
		}
	}
	return itoa(lowest.Number)
}

// IsLastChoice reports whether n is the highest-numbered choice, which on
// permission prompts is always the "No" option.
func IsLastChoice(req Request, n int) bool {
	if len(req.Choices) == 0 {
		return false
	}
	highest := req.Choices[0].Number
	for _, c := range req.Choices[1:] {
		if c.Number > highest {
			highest = c.Number
		}
	}
	return n == highest
}
