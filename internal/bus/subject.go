package bus

import (
	"fmt"
	"strings"
)

// ValidateRoutingKey checks that a routing key is a non-empty sequence of
// dot-delimited tokens with no wildcards. Wildcards belong in binding
// patterns, never in published keys.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("bus: empty routing key")
	}
	for _, tok := range strings.Split(key, ".") {
		if tok == "" {
			return fmt.Errorf("bus: routing key %q has an empty token", key)
		}
		if tok == "*" || tok == "#" {
			return fmt.Errorf("bus: routing key %q contains wildcard token %q", key, tok)
		}
	}
	return nil
}

// PatternSubject translates a topic binding pattern into the NATS subject it
// subscribes to. Patterns use AMQP-style wildcards: "*" matches exactly one
// token and "#" matches zero or more trailing tokens. NATS uses "*" and ">"
// for the same, with ">" only valid in the final position — which is also
// the only position "#" is accepted in here.
func PatternSubject(exchange, pattern string) (string, error) {
	if exchange == "" {
		return "", fmt.Errorf("bus: empty exchange")
	}
	if pattern == "" {
		return "", fmt.Errorf("bus: empty binding pattern")
	}

	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch tok {
		case "":
			return "", fmt.Errorf("bus: pattern %q has an empty token", pattern)
		case "#":
			if i != len(tokens)-1 {
				return "", fmt.Errorf("bus: pattern %q uses # before the final token", pattern)
			}
			tokens[i] = ">"
		}
	}

	return exchange + "." + strings.Join(tokens, "."), nil
}

// StreamName derives the JetStream stream name for an exchange. Stream names
// may not contain dots.
func StreamName(exchange string) string {
	return strings.ReplaceAll(exchange, ".", "_")
}

// DurableName sanitizes a queue name into a valid JetStream durable consumer
// name (no dots, spaces, or wildcard characters).
func DurableName(queue string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(queue)
}

// String implements fmt.Stringer for log output.
func (m AckMode) String() string {
	switch m {
	case AutoAck:
		return "auto"
	case ManualAck:
		return "manual"
	default:
		return fmt.Sprintf("AckMode(%d)", int(m))
	}
}
