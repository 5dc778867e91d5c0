// Package domain defines the user lifecycle events exchanged over the broker.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// UserCreatedPrefix is the routing key prefix of account-creation events.
const UserCreatedPrefix = "user.created."

// ErrMalformedEnvelope is returned when a message body is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

// RoutingKey returns the routing key announcing a new user holding role, e.g. "user.created.doctor".
func RoutingKey(role string) string {
	return UserCreatedPrefix + strings.ToLower(strings.TrimSpace(role))
}

// UserCreated is the payload of a user.created.<role> event.
type UserCreated struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Validate reports a payload that no consumer can act on.
func (u UserCreated) Validate() error {
	if u.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrMalformedEnvelope)
	}
	if u.Email == "" {
		return fmt.Errorf("%w: email is required", ErrMalformedEnvelope)
	}
	return nil
}

// Envelope is the message body. Pattern repeats the routing key so consumers can
// dispatch on the body alone.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

// Encode marshals data into an envelope body for pattern.
func Encode(pattern string, data any) ([]byte, error) {
	raw, err := sonic.ConfigStd.Marshal(data)
	if err != nil {
		return nil, err
	}
	return sonic.ConfigStd.Marshal(Envelope{Pattern: pattern, Data: raw})
}

// Decode parses an envelope body. The payload stays raw until the handler picks its type.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigStd.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Pattern == "" {
		return Envelope{}, fmt.Errorf("%w: pattern is required", ErrMalformedEnvelope)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Envelope{}, fmt.Errorf("%w: data is required", ErrMalformedEnvelope)
	}
	return env, nil
}

// DecodeUserCreated unmarshals and validates a UserCreated payload.
func (e Envelope) DecodeUserCreated() (UserCreated, error) {
	var u UserCreated
	if err := sonic.ConfigStd.Unmarshal(e.Data, &u); err != nil {
		return UserCreated{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := u.Validate(); err != nil {
		return UserCreated{}, err
	}
	return u, nil
}

// MatchRoutingKey reports whether key matches a topic binding pattern. Words are
// dot separated; "*" matches exactly one word and "#" matches zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
