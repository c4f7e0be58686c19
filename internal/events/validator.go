package events

import (
	"errors"
	"fmt"

	"github.com/codefionn/streamgate/internal/logger"
)

// Criticality classifies how much of the product's visible value an event
// type carries.
type Criticality int

const (
	// CriticalityInformational events are nice to have; their absence is
	// not a business failure.
	CriticalityInformational Criticality = iota
	// CriticalityLifecycle events track connection state for clients.
	CriticalityLifecycle
	// CriticalityMissionCritical events form the critical path of a run;
	// a run missing one of these is visibly degraded to the customer.
	CriticalityMissionCritical
)

// String returns the string representation of a criticality tier
func (c Criticality) String() string {
	switch c {
	case CriticalityMissionCritical:
		return "mission_critical"
	case CriticalityLifecycle:
		return "lifecycle"
	default:
		return "informational"
	}
}

// RevenueImpact categorizes how badly a run's missing critical events hurt.
type RevenueImpact string

const (
	ImpactNone     RevenueImpact = "NONE"
	ImpactHigh     RevenueImpact = "HIGH"
	ImpactCritical RevenueImpact = "CRITICAL"
)

// ErrCrossUserContamination is returned when an event claims an owning user
// other than the caller's. Always a hard reject.
var ErrCrossUserContamination = errors.New("cross-user contamination")

// businessValue is the 0-100 contribution of each canonical type. Critical
// path types split the full 100 between them.
var businessValue = map[string]int{
	EventAgentStarted:          20,
	EventAgentThinking:         20,
	EventToolExecuting:         20,
	EventToolCompleted:         20,
	EventAgentCompleted:        20,
	EventConnectionEstablished: 5,
	EventConnectionClosed:      5,
	EventConnectionDegraded:    2,
	EventHeartbeat:             0,
	EventError:                 0,
	EventAgentError:            0,
}

// criticalSet is CriticalPath as a lookup set.
var criticalSet = func() map[string]bool {
	set := make(map[string]bool, len(CriticalPath))
	for _, t := range CriticalPath {
		set[t] = true
	}
	return set
}()

// Classification is the realtime verdict for a single event.
type Classification struct {
	Canonical     string      `json:"canonical"`
	Tier          Criticality `json:"tier"`
	BusinessValue int         `json:"business_value"`
}

// SequenceReport is the sequence-mode verdict for one run's event batch.
type SequenceReport struct {
	RunID           string        `json:"run_id"`
	Score           float64       `json:"score"`
	RequiredCount   int           `json:"required_count"`
	PresentCount    int           `json:"present_count"`
	MissingCritical []string      `json:"missing_critical,omitempty"`
	Impact          RevenueImpact `json:"impact"`
}

// Validator classifies events for correctness, isolation and business value.
// It keeps no per-event state; a single instance serves all managers.
type Validator struct {
	log *logger.Logger
}

// NewValidator creates a validator logging through the given logger. A nil
// logger falls back to the global one.
func NewValidator(log *logger.Logger) *Validator {
	if log == nil {
		log = logger.Global()
	}
	return &Validator{log: log.WithPrefix("validator")}
}

// ValidateRealtime checks a single event on behalf of callerUser: structural
// validity, user isolation, and vocabulary resolution. Cross-user events are
// rejected at maximum severity regardless of payload content.
func (v *Validator) ValidateRealtime(callerUser string, evt *Event) (Classification, error) {
	if evt == nil {
		return Classification{}, fmt.Errorf("%w: nil event", ErrMalformedPayload)
	}

	canonical, ok := Resolve(evt.Type)
	if !ok {
		return Classification{}, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Type)
	}

	if err := checkPayload(evt.Payload); err != nil {
		return Classification{}, err
	}

	if evt.UserID != "" && evt.UserID != callerUser {
		v.log.Error("SECURITY: event type=%s claims user %q but caller is %q",
			canonical, evt.UserID, callerUser)
		return Classification{}, fmt.Errorf("%w: event user %q, caller %q",
			ErrCrossUserContamination, evt.UserID, callerUser)
	}

	return Classification{
		Canonical:     canonical,
		Tier:          tierOf(canonical),
		BusinessValue: businessValue[canonical],
	}, nil
}

// ScoreSequence evaluates one run's ordered event batch against the critical
// path. Types that do not resolve to a canonical critical event count as
// missing: a misspelled critical event never scores as present.
func (v *Validator) ScoreSequence(runID string, batch []Event) SequenceReport {
	present := make(map[string]bool, len(CriticalPath))
	for _, evt := range batch {
		canonical, ok := Resolve(evt.Type)
		if !ok {
			v.log.Warn("sequence run=%s: unresolvable event type %q ignored", runID, evt.Type)
			continue
		}
		if criticalSet[canonical] {
			present[canonical] = true
		}
	}

	var missing []string
	for _, required := range CriticalPath {
		if !present[required] {
			missing = append(missing, required)
		}
	}

	report := SequenceReport{
		RunID:           runID,
		RequiredCount:   len(CriticalPath),
		PresentCount:    len(CriticalPath) - len(missing),
		MissingCritical: missing,
		Score:           100 * float64(len(CriticalPath)-len(missing)) / float64(len(CriticalPath)),
		Impact:          impactOf(len(missing)),
	}

	if len(missing) > 0 {
		v.log.Warn("sequence run=%s: score=%.1f missing=%v impact=%s",
			runID, report.Score, missing, report.Impact)
	}
	return report
}

func tierOf(canonical string) Criticality {
	if criticalSet[canonical] {
		return CriticalityMissionCritical
	}
	switch canonical {
	case EventConnectionEstablished, EventConnectionClosed, EventConnectionDegraded:
		return CriticalityLifecycle
	default:
		return CriticalityInformational
	}
}

func impactOf(missing int) RevenueImpact {
	switch {
	case missing == 0:
		return ImpactNone
	case missing == 1:
		return ImpactHigh
	default:
		return ImpactCritical
	}
}
