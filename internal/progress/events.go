package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/lodstream/internal/lod"
)

// Kinds published in addition to the chain events from package lod.
const (
	KindDefaultLoaded    = "default-loaded"
	KindDefaultFailed    = "default-failed"
	KindPipelineReady    = "pipeline-ready"
	KindPipelineComplete = "pipeline-complete"
)

// Event is one progress notification. Chain events carry the asset and
// variant they concern; pipeline events leave those fields zero.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Sequence  int64     `json:"sequence"`
	Kind      string    `json:"kind"`
	AssetID   int       `json:"asset_id"`
	AssetName string    `json:"asset"`
	Variant   int       `json:"variant"`
	Position  int       `json:"position"`
	Length    int       `json:"length"`
	IsNew     bool      `json:"is_new,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// FromChain converts a chain event.
func FromChain(evt lod.Event) Event {
	out := Event{
		Kind:      string(evt.Kind),
		AssetID:   evt.AssetID,
		AssetName: evt.AssetName,
		Variant:   evt.Variant,
		Position:  evt.Position,
		Length:    evt.Length,
		IsNew:     evt.IsNew,
	}
	if evt.Err != nil {
		out.Error = evt.Err.Error()
	}
	return out
}

// Validate enforces the fields every routed event needs.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Kind) == "" {
		return errors.New("kind is required")
	}
	if e.Length < 0 || e.Position < 0 {
		return fmt.Errorf("position %d of %d is invalid", e.Position, e.Length)
	}
	return nil
}

// Terminal reports whether the event ends an asset's or the pipeline's
// progress.
func (e Event) Terminal() bool {
	switch e.Kind {
	case string(lod.EventCompleted), string(lod.EventFailed), string(lod.EventCancelled),
		KindDefaultLoaded, KindDefaultFailed, KindPipelineComplete:
		return true
	}
	return false
}

// Describe renders a one-line summary for logs and plain output.
func (e Event) Describe() string {
	switch e.Kind {
	case KindPipelineReady:
		return "pipeline ready: lowest-fidelity content is visible"
	case KindPipelineComplete:
		return "pipeline complete"
	}
	label := e.AssetName
	if label == "" {
		label = fmt.Sprintf("#%d", e.AssetID)
	}
	line := fmt.Sprintf("%s %s variant %d", label, e.Kind, e.Variant)
	if e.Length > 0 {
		line += fmt.Sprintf(" (step %d/%d)", e.Length-e.Position, e.Length)
	}
	if e.Error != "" {
		line += ": " + e.Error
	}
	return line
}

func newEventID() string {
	return uuid.NewString()
}
