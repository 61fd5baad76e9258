package txretry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/k-g-j/dynamic-vencura/internal/circuitbreaker"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable regardless of its content.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient, reason: "explicit_transient"}
}

// Terminal marks err as fatal regardless of its content.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal, reason: "explicit_terminal"}
}

// Classify decides whether a submission fault is worth retrying. Structured
// sources (explicit markers, context state, HTTP status, JSON-RPC codes)
// are consulted before falling back to message tokens, since provider
// phrasing drifts. Unknown errors default to terminal.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Decision{Class: ClassTransient, Reason: "circuit_open"}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return Decision{Class: ClassTransient, Reason: "http_rate_limited"}
		case httpErr.StatusCode >= 500:
			return Decision{Class: ClassTransient, Reason: "http_server_error"}
		default:
			return Decision{Class: ClassTerminal, Reason: "http_client_error"}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Decision{Class: ClassTransient, Reason: "dns_failure"}
	}

	// Message tokens outrank bare JSON-RPC codes: geth folds most
	// submission faults into -32000, so the code alone cannot separate
	// "nonce too low" (retryable) from "insufficient funds" (fatal).
	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode())
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"no such host",
	"network is unreachable",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"intrinsic gas too low",
	"max fee per gas less than block base fee",
	"gas limit reached",
}

var terminalMessageTokens = []string{
	"insufficient funds",
	"execution reverted",
	"invalid sender",
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"already known",
	"exceeds block gas limit",
}
