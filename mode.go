package facedetective

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode is what the live loop does with the current face.
type Mode int

const (
	Idle Mode = iota
	Enrolling
	Recognizing
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Enrolling:
		return "enrolling"
	case Recognizing:
		return "recognizing"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode accepts the names printed by String plus "recognize".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return Idle, nil
	case "enrolling", "enroll":
		return Enrolling, nil
	case "recognizing", "recognize":
		return Recognizing, nil
	default:
		return Idle, errors.Wrapf(ErrInvalidMode, "%q", s)
	}
}
