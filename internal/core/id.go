package core

import (
	"github.com/google/uuid"
)

type TabID string

type EnvelopeID string

func NewTabID() TabID {
	return TabID("tab_" + uuid.NewString())
}

func NewEnvelopeID() EnvelopeID {
	return EnvelopeID(uuid.NewString())
}
