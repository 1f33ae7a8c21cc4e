package detector

import (
	"fmt"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

// Strategy names accepted by FromStrategy.
const (
	StrategySignature = "signature"
	StrategyMarkup    = "markup"
	StrategyAny       = "any"
)

// FromStrategy builds the classifier named by strategy.
func FromStrategy(strategy string, extraSignatures []string, minBodyBytes int) (crawler.Classifier, error) {
	switch strategy {
	case "", StrategySignature:
		return NewSignature(extraSignatures...), nil
	case StrategyMarkup:
		return NewMarkup(minBodyBytes), nil
	case StrategyAny:
		return Any{NewSignature(extraSignatures...), NewMarkup(minBodyBytes)}, nil
	default:
		return nil, fmt.Errorf("unknown classifier strategy %q", strategy)
	}
}
