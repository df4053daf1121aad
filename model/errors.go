// Package model trains, stores and runs the face classifier.
package model

import "github.com/pkg/errors"

var (
	ErrTrainingDataInsufficient = errors.New("training data insufficient")
	ErrUnknownLabel             = errors.New("unknown label")
	ErrModelNotLoaded           = errors.New("model not loaded")
	ErrShapeMismatch            = errors.New("model shape mismatch")
	ErrArtifactMismatch         = errors.New("model and label encoder are not a pair")
)
