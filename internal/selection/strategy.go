package selection

import (
	"fmt"
	"strings"
)

// Strategy is the closed set of recipient selection algorithms.
type Strategy int

const (
	// StrategyRandom samples uniformly without replacement.
	StrategyRandom Strategy = iota
	// StrategyActivity prefers the most recently active users.
	StrategyActivity
	// StrategyRelationship prefers users with prior conversation history and
	// fills the rest at random.
	StrategyRelationship
	// StrategyWeighted combines response rate, interaction and preference
	// match into one score, reserves the top fifth and samples the rest by
	// score mass.
	StrategyWeighted
)

var strategyNames = map[Strategy]string{
	StrategyRandom:       "random",
	StrategyActivity:     "activity",
	StrategyRelationship: "relationship",
	StrategyWeighted:     "weighted",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy resolves a configured strategy name. Empty means random.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return StrategyRandom, nil
	}
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown selection strategy %q", name)
}
