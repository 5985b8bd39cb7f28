// SPDX-License-Identifier: MIT

package order

import "strings"

// ErrorKind is the normalized driver error taxonomy.
type ErrorKind string

const (
	ErrKindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	ErrKindMarketClosed      ErrorKind = "MARKET_CLOSED"
	ErrKindConnectionTimeout ErrorKind = "CONNECTION_TIMEOUT"
	ErrKindOrderRejection    ErrorKind = "ORDER_REJECTION"
	ErrKindDOMElementMissing ErrorKind = "DOM_ELEMENT_MISSING"
	ErrKindValidationTimeout ErrorKind = "VALIDATION_TIMEOUT"
	ErrKindUnknown           ErrorKind = "UNKNOWN"
)

// RecoveryHint tells the caller what to do with a classified error.
type RecoveryHint int

const (
	HintSurface RecoveryHint = iota // report to the operator, no retry
	HintRetry                       // transient, retry with backoff
	HintAbort                       // stop the operation, no retry
)

// Hint maps each error kind to its recovery action.
func (k ErrorKind) Hint() RecoveryHint {
	switch k {
	case ErrKindConnectionTimeout, ErrKindValidationTimeout:
		return HintRetry
	case ErrKindInsufficientFunds, ErrKindMarketClosed:
		return HintAbort
	default:
		return HintSurface
	}
}

// Classifier maps raw page error text to a normalized kind. The exact string
// set is UI-locale-dependent, so deployments can substitute their own table.
type Classifier interface {
	Classify(text string) ErrorKind
}

// SubstringClassifier is the default conservative classifier: first matching
// substring wins, unmatched text is UNKNOWN.
type SubstringClassifier struct {
	rules []substringRule
}

type substringRule struct {
	needle string
	kind   ErrorKind
}

// NewSubstringClassifier builds the default English-locale rule table.
func NewSubstringClassifier() *SubstringClassifier {
	return &SubstringClassifier{rules: []substringRule{
		{"insufficient funds", ErrKindInsufficientFunds},
		{"insufficient buying power", ErrKindInsufficientFunds},
		{"market closed", ErrKindMarketClosed},
		{"market is closed", ErrKindMarketClosed},
		{"outside trading hours", ErrKindMarketClosed},
		{"connection lost", ErrKindConnectionTimeout},
		{"connection timeout", ErrKindConnectionTimeout},
		{"timed out", ErrKindConnectionTimeout},
		{"rejected", ErrKindOrderRejection},
		{"order was not accepted", ErrKindOrderRejection},
		{"element not found", ErrKindDOMElementMissing},
	}}
}

// Add appends a rule; later rules lose against earlier ones.
func (c *SubstringClassifier) Add(needle string, kind ErrorKind) {
	c.rules = append(c.rules, substringRule{strings.ToLower(needle), kind})
}

// Classify implements Classifier.
func (c *SubstringClassifier) Classify(text string) ErrorKind {
	lowered := strings.ToLower(text)
	for _, r := range c.rules {
		if strings.Contains(lowered, r.needle) {
			return r.kind
		}
	}
	return ErrKindUnknown
}
