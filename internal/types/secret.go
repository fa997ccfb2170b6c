package types

import (
	"encoding/json"
	"log/slog"
)

const redacted = "[REDACTED]"

// SecretString holds a credential such as the Redis password. Printing,
// logging or marshaling it shows a placeholder instead of the value.
type SecretString struct {
	value string
}

func NewSecretString(value string) SecretString {
	return SecretString{value: value}
}

func (s SecretString) Value() string { return s.value }

func (s SecretString) IsEmpty() bool { return s.value == "" }

func (s SecretString) String() string {
	if s.IsEmpty() {
		return ""
	}
	return redacted
}

// LogValue keeps the secret out of slog output.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SecretString) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.value)
}

// UnmarshalText lets the env parser fill a SecretString.
func (s *SecretString) UnmarshalText(text []byte) error {
	s.value = string(text)
	return nil
}
