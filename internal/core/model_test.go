package core

import "testing"

func TestStepOrder(t *testing.T) {
	if StepIndex(StepLoad) != 0 {
		t.Errorf("LOAD index = %d, want 0", StepIndex(StepLoad))
	}
	if got := NextStep(StepLoad); got != StepExtractConsume {
		t.Errorf("NextStep(LOAD) = %s, want EXTRACT_CONSUME", got)
	}
	if got := NextStep(StepGate); got != StepBook {
		t.Errorf("NextStep(GATE) = %s, want BOOK", got)
	}
	if got := NextStep(StepComplete); got != StepComplete {
		t.Errorf("NextStep(COMPLETE) = %s, want COMPLETE", got)
	}
	if StepIndex("NOPE") != -1 {
		t.Error("unknown step should index as -1")
	}
}

func TestEffectiveIntentMergesSlotUpdates(t *testing.T) {
	p := &RunPayload{
		Intent: &IntentRecord{
			Name:       "representation_meal",
			Confidence: 0.9,
			Slots:      map[string]any{"purpose": "lunch", "attendees_count": 2},
		},
		SlotUpdates: map[string]any{"attendees_count": 4, "cost_center": "SALES"},
	}
	merged := p.EffectiveIntent()
	if got, _ := merged.SlotInt("attendees_count"); got != 4 {
		t.Errorf("attendees = %d, want 4 (update wins)", got)
	}
	if got, _ := merged.SlotString("purpose"); got != "lunch" {
		t.Errorf("purpose = %q, want original value preserved", got)
	}
	if got, _ := merged.SlotString("cost_center"); got != "SALES" {
		t.Errorf("cost_center = %q, want SALES", got)
	}
	// Original record must stay untouched.
	if got, _ := p.Intent.SlotInt("attendees_count"); got != 2 {
		t.Errorf("source intent mutated: attendees = %d, want 2", got)
	}
}

func TestRunTerminal(t *testing.T) {
	for state, want := range map[RunState]bool{
		StatePending:               false,
		StateRunning:               false,
		StateAwaitingClarification: false,
		StateParked:                true,
		StateCompleted:             true,
		StateFailed:                true,
	} {
		r := &PipelineRun{State: state}
		if r.Terminal() != want {
			t.Errorf("Terminal() for %s = %v, want %v", state, r.Terminal(), want)
		}
	}
}

func TestKindForTag(t *testing.T) {
	tests := []struct {
		tag  Tag
		want ErrorKind
	}{
		{TagMigrationBlocked, KindConfigError},
		{TagUnknownAccount, KindConfigError},
		{TagCatalogMissing, KindConfigError},
		{TagPolicyInvalid, KindConfigError},
		{TagProposalUnbalanced, KindEngineRejection},
		{TagVATComputation, KindEngineRejection},
		{TagNotBalancedOnBook, KindEngineRejection},
		{TagPolicyNotApplicable, KindEngineRejection},
		{TagNotFound, KindInfrastructure},
		{TagConflict, KindInfrastructure},
	}
	for _, tt := range tests {
		if got := KindForTag(tt.tag); got != tt.want {
			t.Errorf("KindForTag(%s) = %s, want %s", tt.tag, got, tt.want)
		}
	}
}
