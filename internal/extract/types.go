package extract

import "time"

// Entity is one extracted entity mention, merged within the unit by
// canonical name + type.
type Entity struct {
	Name          string   `json:"name"`
	CanonicalName string   `json:"canonical_name"`
	Type          string   `json:"type"`
	Description   string   `json:"description,omitempty"`
	Importance    int      `json:"importance"`
	Context       string   `json:"context,omitempty"`
	Frequency     int      `json:"frequency"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Quote is a notable verbatim quote from the unit.
type Quote struct {
	Text        string `json:"text"`
	Speaker     string `json:"speaker,omitempty"`
	Context     string `json:"context,omitempty"`
	IsMemorable bool   `json:"is_memorable"`
	Theme       string `json:"theme,omitempty"`
}

// Insight is a distilled takeaway with supporting entities by name.
type Insight struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	InsightType        string   `json:"insight_type"`
	Confidence         int      `json:"confidence"`
	SupportingEntities []string `json:"supporting_entities,omitempty"`
}

// Relationship links two entities by name; persistence resolves names to ids.
type Relationship struct {
	SourceEntity string `json:"source_entity"`
	TargetEntity string `json:"target_entity"`
	Type         string `json:"type"`
	Description  string `json:"description,omitempty"`
	Confidence   int    `json:"confidence"`
	Evidence     string `json:"evidence,omitempty"`
}

// ConversationAnalysis is the short qualitative read of the unit.
type ConversationAnalysis struct {
	TopicSummary    string   `json:"topic_summary,omitempty"`
	Completeness    string   `json:"completeness,omitempty"`
	KeyThemes       []string `json:"key_themes,omitempty"`
	SpeakerDynamics string   `json:"speaker_dynamics,omitempty"`
	StructuralNotes string   `json:"structural_notes,omitempty"`
}

// Result is everything one combined extraction call produces for a unit.
type Result struct {
	UnitID         string               `json:"unit_id"`
	Entities       []Entity             `json:"entities"`
	Quotes         []Quote              `json:"quotes"`
	Insights       []Insight            `json:"insights"`
	Relationships  []Relationship       `json:"relationships"`
	Analysis       ConversationAnalysis `json:"conversation_analysis"`
	TokenCount     int                  `json:"token_count"`
	ProcessingTime time.Duration        `json:"processing_time"`
	Timestamp      time.Time            `json:"timestamp"`
}
