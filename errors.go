package redispatch

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// Errors surfaced by the dispatch entry points. Everything else a call
// returns is either a server reply error passed through verbatim or a
// transport error from the connection layer.
var (
	// ErrRetry marks a transient cluster condition (MOVED, CLUSTERDOWN,
	// connection loss, unmapped slot). A topology refresh has already been
	// requested; the caller decides whether and when to re-invoke.
	ErrRetry = errors.New("retry")

	// ErrCrossSlot is returned when the keys of a pipeline or transaction
	// hash to more than one slot.
	ErrCrossSlot = errors.New("key_must_same_slot")

	// ErrNoSupportTransaction is returned when a caller submits a pipeline
	// whose first command is MULTI. Transactions are built by Transaction.
	ErrNoSupportTransaction = errors.New("no_support_transaction")

	// ErrInvalidClusterCommand is returned for commands that cannot be
	// routed by key, such as INFO or CONFIG. Use CommandOnNode for those.
	ErrInvalidClusterCommand = errors.New("invalid_cluster_command")
)

// Redirect is a decoded MOVED or ASK reply. OneShot is true for ASK: the
// redirect applies to the current request only and must not be cached.
type Redirect struct {
	Slot    int
	To      string
	OneShot bool
	Raw     string
}

// classifyReply inspects a server error reply and reports what the
// dispatcher should do with it: follow a redirect, treat the cluster as
// down, or pass the error through (both results zero). Only redis.Error
// values are cluster vocabulary; transport errors never reach here.
func classifyReply(err error) (redir *Redirect, down bool) {
	re, ok := err.(redis.Error)
	if !ok {
		return nil, false
	}
	msg := re.Error()
	verb, rest, _ := strings.Cut(msg, " ")
	switch verb {
	case "CLUSTERDOWN":
		return nil, true
	case "MOVED", "ASK":
		slotStr, addr, ok := strings.Cut(rest, " ")
		if !ok || addr == "" || strings.Contains(addr, " ") {
			return nil, false
		}
		slot, convErr := strconv.Atoi(slotStr)
		if convErr != nil {
			return nil, false
		}
		return &Redirect{Slot: slot, To: addr, OneShot: verb == "ASK", Raw: msg}, false
	}
	return nil, false
}

// ParseRedirect decodes a MOVED or ASK reply, nil for anything else. Useful
// for callers that log or count redirects themselves.
func ParseRedirect(err error) *Redirect {
	redir, _ := classifyReply(err)
	return redir
}

// splitHostPort splits an addr of the form host:port as it appears in
// redirection replies and CLUSTER SLOTS output.
func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, errors.New("invalid node address: " + addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, errors.New("invalid node address: " + addr)
	}
	return addr[:i], port, nil
}
