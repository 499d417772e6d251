package redispatch

import (
	"fmt"
	"strings"
)

// Command is a single redis command: a verb followed by its arguments.
type Command struct {
	Name string
	Args []interface{}
}

// Cmd builds a Command.
func Cmd(name string, args ...interface{}) Command {
	return Command{Name: name, Args: args}
}

// keyRule selects how the routing key is derived from a command's arguments.
type keyRule int

const (
	// key is the first argument after the verb
	ruleFirstArg keyRule = iota

	// key is the second argument after the verb
	ruleSecondArg

	// key is the third argument after the verb (EVAL script numkeys key ...)
	ruleThirdArg

	// key follows the STREAMS token (XREAD/XREADGROUP)
	ruleAfterStreams

	// MEMORY USAGE <key>; other MEMORY subcommands address no key
	ruleMemory

	// the verb addresses no key and cannot be routed
	ruleNoKey
)

// keyRules maps lowercased verbs to their extraction rule. Verbs not listed
// use ruleFirstArg.
var keyRules = map[string]keyRule{
	"info":     ruleNoKey,
	"config":   ruleNoKey,
	"shutdown": ruleNoKey,
	"slaveof":  ruleNoKey,

	"bitop":  ruleSecondArg,
	"object": ruleSecondArg,
	"xgroup": ruleSecondArg,
	"xinfo":  ruleSecondArg,
	"zdiff":  ruleSecondArg,
	"zinter": ruleSecondArg,
	"zunion": ruleSecondArg,

	"eval":    ruleThirdArg,
	"evalsha": ruleThirdArg,

	"xread":      ruleAfterStreams,
	"xreadgroup": ruleAfterStreams,

	"memory": ruleMemory,
}

func argString(arg interface{}) string {
	switch a := arg.(type) {
	case string:
		return a
	case []byte:
		return string(a)
	default:
		return fmt.Sprintf("%s", arg)
	}
}

// ExtractKey returns the key that decides slot routing for cmd. ok is false
// when the verb addresses no key, which also covers commands too short for
// their rule.
func ExtractKey(cmd Command) (key string, ok bool) {
	rule := keyRules[strings.ToLower(cmd.Name)]
	switch rule {
	case ruleNoKey:
		return "", false
	case ruleSecondArg:
		if len(cmd.Args) < 2 {
			return "", false
		}
		return argString(cmd.Args[1]), true
	case ruleThirdArg:
		if len(cmd.Args) < 3 {
			return "", false
		}
		return argString(cmd.Args[2]), true
	case ruleAfterStreams:
		for i, arg := range cmd.Args {
			if strings.EqualFold(argString(arg), "streams") && i+1 < len(cmd.Args) {
				return argString(cmd.Args[i+1]), true
			}
		}
		return "", false
	case ruleMemory:
		if len(cmd.Args) >= 2 && strings.EqualFold(argString(cmd.Args[0]), "usage") {
			return argString(cmd.Args[1]), true
		}
		return "", false
	default:
		if len(cmd.Args) < 1 {
			return "", false
		}
		return argString(cmd.Args[0]), true
	}
}

// ExtractPipelineKeys returns the routing keys of a pipeline, one per
// key-bearing command. A leading MULTI is rejected with
// ErrNoSupportTransaction; the keyless admin verbs are forbidden anywhere in
// a pipeline and fail the whole pipeline with ErrInvalidClusterCommand.
// Commands shorter than two elements contribute no key.
func ExtractPipelineKeys(cmds []Command) ([]string, error) {
	if len(cmds) > 0 && strings.EqualFold(cmds[0].Name, "MULTI") {
		return nil, ErrNoSupportTransaction
	}
	var keys []string
	for _, cmd := range cmds {
		if keyRules[strings.ToLower(cmd.Name)] == ruleNoKey {
			return nil, ErrInvalidClusterCommand
		}
		if len(cmd.Args) < 1 {
			continue
		}
		if key, ok := ExtractKey(cmd); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
