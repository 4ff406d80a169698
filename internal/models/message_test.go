package models

import (
	"testing"
)

func TestParseStepType(t *testing.T) {
	cases := []struct {
		raw      string
		provider Provider
		subtype  string
		wantErr  bool
	}{
		{"jira_issues", ProviderJira, "issues", false},
		{"github_commits", ProviderGitHub, "commits", false},
		{"internal_mapping_table", ProviderInternal, "mapping_table", false},
		{"jira", "", "", true},
		{"_issues", "", "", true},
		{"jira_", "", "", true},
		{"", "", "", true},
	}

	for _, tc := range cases {
		step, err := ParseStepType(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseStepType(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseStepType(%q): %v", tc.raw, err)
		}
		if step.Provider != tc.provider || step.Subtype != tc.subtype {
			t.Errorf("ParseStepType(%q) = %+v, want {%s %s}", tc.raw, step, tc.provider, tc.subtype)
		}
	}
}

func TestIsCompletionSentinel(t *testing.T) {
	rawID := int64(42)
	external := "ISSUE-1"

	data := QueueMessage{
		Payload:    map[string]interface{}{"key": "value"},
		RawDataID:  &rawID,
		TableName:  "jira_issues",
		ExternalID: &external,
	}
	for _, stage := range AllStages() {
		if data.IsCompletionSentinel(stage) {
			t.Errorf("data message reported as sentinel for %s", stage)
		}
	}

	empty := QueueMessage{}
	for _, stage := range AllStages() {
		if !empty.IsCompletionSentinel(stage) {
			t.Errorf("empty message not a sentinel for %s", stage)
		}
	}

	// Stage payloads are independent: a message with only a raw data id
	// is a data item for transform but a sentinel for embedding.
	transformOnly := QueueMessage{RawDataID: &rawID}
	if transformOnly.IsCompletionSentinel(StageTransform) {
		t.Error("raw_data_id message reported as transform sentinel")
	}
	if !transformOnly.IsCompletionSentinel(StageEmbedding) {
		t.Error("raw_data_id message not an embedding sentinel")
	}
}

func TestDeriveCompletionPreservesFlagsAndToken(t *testing.T) {
	rawID := int64(7)
	external := "PR-9"
	msg := QueueMessage{
		TenantID:    "t1",
		JobID:       "j1",
		Type:        "github_pulls",
		Token:       "run-token",
		FirstItem:   true,
		LastItem:    true,
		LastJobItem: true,
		RateLimited: true,
		Payload:     map[string]interface{}{"cursor": "abc"},
		RawDataID:   &rawID,
		TableName:   "github_pulls",
		ExternalID:  &external,
	}

	out := msg.DeriveCompletion()

	if out.Token != "run-token" {
		t.Errorf("token not preserved: %q", out.Token)
	}
	if !out.FirstItem || !out.LastItem || !out.LastJobItem || !out.RateLimited {
		t.Errorf("boundary flags not preserved: %+v", out)
	}
	if out.Payload != nil || out.RawDataID != nil || out.TableName != "" || out.ExternalID != nil {
		t.Errorf("stage payloads not cleared: %+v", out)
	}
	for _, stage := range AllStages() {
		if !out.IsCompletionSentinel(stage) {
			t.Errorf("derived message not a sentinel for %s", stage)
		}
	}
}

func TestValidate(t *testing.T) {
	rawID := int64(1)
	external := "x"

	cases := []struct {
		name    string
		msg     QueueMessage
		stage   Stage
		wantErr bool
	}{
		{
			name:    "missing tenant_id",
			msg:     QueueMessage{Type: "jira_issues", JobID: "j", Token: "tok"},
			stage:   StageExtraction,
			wantErr: true,
		},
		{
			name:    "missing type",
			msg:     QueueMessage{TenantID: "t", JobID: "j", Token: "tok"},
			stage:   StageExtraction,
			wantErr: true,
		},
		{
			name:    "job id without token",
			msg:     QueueMessage{TenantID: "t", Type: "jira_issues", JobID: "j"},
			stage:   StageExtraction,
			wantErr: true,
		},
		{
			name:    "flags without job context",
			msg:     QueueMessage{TenantID: "t", Type: "jira_issues", LastItem: true},
			stage:   StageExtraction,
			wantErr: true,
		},
		{
			name:    "out-of-band embedding without job context",
			msg:     QueueMessage{TenantID: "t", Type: "internal_mapping_table", TableName: "issue_mapping", ExternalID: &external},
			stage:   StageEmbedding,
			wantErr: false,
		},
		{
			name:    "transform data item",
			msg:     QueueMessage{TenantID: "t", Type: "jira_issues", JobID: "j", Token: "tok", RawDataID: &rawID},
			stage:   StageTransform,
			wantErr: false,
		},
		{
			name:    "embedding missing table name",
			msg:     QueueMessage{TenantID: "t", Type: "jira_issues", JobID: "j", Token: "tok", ExternalID: &external},
			stage:   StageEmbedding,
			wantErr: true,
		},
		{
			name:    "sentinel skips payload checks",
			msg:     QueueMessage{TenantID: "t", Type: "jira_issues", JobID: "j", Token: "tok", LastItem: true},
			stage:   StageTransform,
			wantErr: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate(tc.stage)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestQueueName(t *testing.T) {
	if got := QueueName(TierPremium, StageExtraction); got != "etl.premium.extraction" {
		t.Errorf("QueueName = %q", got)
	}
	if got := QueueName(TierBasic, StageEmbedding); got != "etl.basic.embedding" {
		t.Errorf("QueueName = %q", got)
	}
}

func TestNextStage(t *testing.T) {
	next, ok := NextStage(StageExtraction)
	if !ok || next != StageTransform {
		t.Errorf("NextStage(extraction) = %s, %v", next, ok)
	}
	next, ok = NextStage(StageTransform)
	if !ok || next != StageEmbedding {
		t.Errorf("NextStage(transform) = %s, %v", next, ok)
	}
	if _, ok := NextStage(StageEmbedding); ok {
		t.Error("embedding should have no next stage")
	}
}
