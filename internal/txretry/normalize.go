package txretry

import (
	"regexp"
	"strings"
)

// Raw provider errors leak node internals and RPC URLs; user-facing
// surfaces get a short rewrite instead. The raw text stays available to
// the audit trail via error wrapping.

const genericFailureMessage = "Transaction submission failed, please try again."

// Message lengths above this are assumed to carry provider internals and
// are collapsed to the generic sentence.
const maxPassthroughLen = 120

var gasMinimumPattern = regexp.MustCompile(`want (\d+)`)

type rewriteRule struct {
	token   string
	message string
}

var rewriteRules = []rewriteRule{
	{"insufficient funds", "Insufficient funds to cover the transfer amount and network fees."},
	{"replacement transaction underpriced", "A replacement transaction was underpriced, please retry with a higher fee."},
	{"transaction underpriced", "The transaction fee was too low for the network to accept, please retry with a higher fee."},
	{"nonce too low", "The transaction nonce was stale, please retry."},
	{"already known", "This transaction was already submitted to the network."},
	{"max fee per gas less than block base fee", "The offered fee fell below the current network base fee, please retry."},
	{"execution reverted", "The transaction was rejected during execution."},
}

// Normalize rewrites a known blockchain fault into a short user-presentable
// sentence. Unrecognized long messages collapse to a generic retry prompt.
func Normalize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "intrinsic gas too low") {
		if m := gasMinimumPattern.FindStringSubmatch(lower); m != nil {
			return "The gas limit was too low, at least " + m[1] + " gas is required."
		}
		return "The gas limit was too low for this transaction."
	}

	for _, rule := range rewriteRules {
		if strings.Contains(lower, rule.token) {
			return rule.message
		}
	}

	if len(msg) > maxPassthroughLen {
		return genericFailureMessage
	}
	return msg
}
