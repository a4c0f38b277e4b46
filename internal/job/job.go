// Package job defines the immutable descriptor of one outbound call request.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultClientName is used in logs when the job carries no client label.
const DefaultClientName = "Unknown"

var (
	// ErrMissingPhoneNumber is returned when the metadata has no phone_number.
	ErrMissingPhoneNumber = errors.New("phone_number is required")

	// ErrInvalidPhoneNumber is returned for numbers that are not E.164-like.
	ErrInvalidPhoneNumber = errors.New("invalid phone number")

	// ErrInvalidMetadata is returned when the metadata is not a JSON object.
	ErrInvalidMetadata = errors.New("invalid job metadata")
)

// Metadata is the wire shape of a job as delivered by dispatch.
type Metadata struct {
	PhoneNumber         string `json:"phone_number"`
	SystemPrompt        string `json:"system_prompt,omitempty"`
	ClientName          string `json:"client_name,omitempty"`
	ParticipantIdentity string `json:"participant_identity,omitempty"`
	TrunkID             string `json:"trunk_id,omitempty"`
}

// CallJob describes one outbound call. It is immutable once built.
type CallJob struct {
	id           string
	phoneNumber  string
	identity     string
	instructions string
	clientName   string
	trunkID      string
}

// Option customizes a CallJob during construction.
type Option func(*CallJob)

// WithInstructions overrides the built-in persona.
func WithInstructions(s string) Option {
	return func(j *CallJob) { j.instructions = s }
}

// WithClientName sets the display label used in logs.
func WithClientName(s string) Option {
	return func(j *CallJob) { j.clientName = s }
}

// WithParticipantIdentity sets the identity the callee joins the room with.
func WithParticipantIdentity(s string) Option {
	return func(j *CallJob) { j.identity = s }
}

// WithTrunk overrides the configured outbound trunk for this job.
func WithTrunk(id string) Option {
	return func(j *CallJob) { j.trunkID = id }
}

// WithID sets the job id instead of generating one.
func WithID(id string) Option {
	return func(j *CallJob) { j.id = id }
}

// New builds a CallJob for phoneNumber.
func New(phoneNumber string, opts ...Option) (*CallJob, error) {
	number, err := NormalizeNumber(phoneNumber)
	if err != nil {
		return nil, err
	}

	j := &CallJob{phoneNumber: number}
	for _, opt := range opts {
		opt(j)
	}

	if j.id == "" {
		j.id = uuid.New().String()
	}
	j.identity = strings.TrimSpace(j.identity)
	if j.identity == "" {
		j.identity = number
	}
	j.clientName = strings.TrimSpace(j.clientName)
	if j.clientName == "" {
		j.clientName = DefaultClientName
	}
	j.trunkID = strings.TrimSpace(j.trunkID)
	return j, nil
}

// Parse builds a CallJob from JSON metadata.
func Parse(data []byte) (*CallJob, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return FromMetadata(md)
}

// FromMetadata builds a CallJob from already decoded metadata.
func FromMetadata(md Metadata) (*CallJob, error) {
	return New(md.PhoneNumber,
		WithInstructions(md.SystemPrompt),
		WithClientName(md.ClientName),
		WithParticipantIdentity(md.ParticipantIdentity),
		WithTrunk(md.TrunkID),
	)
}

// NormalizeNumber strips formatting characters and checks that what is left
// is an optional '+' followed by 3 to 15 digits.
func NormalizeNumber(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrMissingPhoneNumber
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
		}
	}

	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 3 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}
	return out, nil
}

func (j *CallJob) ID() string                  { return j.id }
func (j *CallJob) PhoneNumber() string         { return j.phoneNumber }
func (j *CallJob) ParticipantIdentity() string { return j.identity }
func (j *CallJob) Instructions() string        { return j.instructions }
func (j *CallJob) ClientName() string          { return j.clientName }
func (j *CallJob) TrunkID() string             { return j.trunkID }

// Metadata returns the wire form of the job.
func (j *CallJob) Metadata() Metadata {
	return Metadata{
		PhoneNumber:         j.phoneNumber,
		SystemPrompt:        j.instructions,
		ClientName:          j.clientName,
		ParticipantIdentity: j.identity,
		TrunkID:             j.trunkID,
	}
}

// LogAttrs returns the attributes every log line about this job carries.
func (j *CallJob) LogAttrs() []any {
	return []any{
		"job_id", j.id,
		"phone_number", j.phoneNumber,
		"client_name", j.clientName,
	}
}
