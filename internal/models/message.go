package models

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Provider identifies the upstream system a step belongs to. It is
// parsed once from the message type at decode time; routers dispatch on
// it instead of re-matching string prefixes.
type Provider string

const (
	ProviderJira   Provider = "jira"
	ProviderGitHub Provider = "github"

	// ProviderInternal routes out-of-band work such as bulk
	// mapping-table embeddings.
	ProviderInternal Provider = "internal"
)

// StepType is the structured form of a message's type field, e.g.
// "jira_issues" parses to {Provider: "jira", Subtype: "issues"}.
type StepType struct {
	Provider Provider
	Subtype  string
}

// ParseStepType splits a raw step name into provider and subtype.
func ParseStepType(raw string) (StepType, error) {
	idx := strings.Index(raw, "_")
	if idx <= 0 || idx == len(raw)-1 {
		return StepType{}, errors.Errorf("malformed step type %q", raw)
	}
	return StepType{Provider: Provider(raw[:idx]), Subtype: raw[idx+1:]}, nil
}

// QueueMessage is the unit of work flowing through the tier queues. It
// is never persisted beyond the broker.
//
// FirstItem and LastItem are each carried by exactly one message per
// (job, step, stage); LastJobItem by the single message that closes the
// whole run. Token correlates every message of one execution run and
// must be copied verbatim onto any derived message.
type QueueMessage struct {
	TenantID      string            `json:"tenant_id"`
	IntegrationID string            `json:"integration_id,omitempty"`
	JobID         string            `json:"job_id"`
	Type          string            `json:"type"`
	Provider      string            `json:"provider,omitempty"`
	FirstItem     bool              `json:"first_item"`
	LastItem      bool              `json:"last_item"`
	LastJobItem   bool              `json:"last_job_item"`
	Token         string            `json:"token"`
	RateLimited   bool              `json:"rate_limited"`
	SyncDates     map[string]string `json:"sync_dates,omitempty"`
	LastRepo      bool              `json:"last_repo,omitempty"`
	LastNested    bool              `json:"last_nested,omitempty"`

	// Stage payloads. RawDataID carries extraction output into the
	// transform stage; TableName/ExternalID carry transform output into
	// embedding. A nil identifier is the completion sentinel.
	Payload    map[string]interface{} `json:"payload,omitempty"`
	RawDataID  *int64                 `json:"raw_data_id,omitempty"`
	TableName  string                 `json:"table_name,omitempty"`
	ExternalID *string                `json:"external_id,omitempty"`
}

// DecodeMessage parses a broker payload into a QueueMessage.
func DecodeMessage(body []byte) (QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return QueueMessage{}, errors.Wrap(err, "decode queue message")
	}
	return msg, nil
}

// Encode serializes the message for publishing.
func (m QueueMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode queue message")
	}
	return b, nil
}

// IsCompletionSentinel reports whether the message is a synthetic
// "no more items" marker for the given stage rather than a data item.
func (m QueueMessage) IsCompletionSentinel(stage Stage) bool {
	switch stage {
	case StageTransform:
		return m.RawDataID == nil
	case StageEmbedding:
		return m.ExternalID == nil
	default:
		return len(m.Payload) == 0
	}
}

// DeriveCompletion builds the synthetic completion message forwarded to
// the next stage. Boundary flags and the run token are preserved
// verbatim; stage payloads are cleared so the derived message is the
// sentinel for whichever stage consumes it next.
func (m QueueMessage) DeriveCompletion() QueueMessage {
	out := m
	out.Payload = nil
	out.RawDataID = nil
	out.TableName = ""
	out.ExternalID = nil
	return out
}

// Validate checks the fields a stage requires before dispatching to a
// provider handler. Completion sentinels are exempt from the
// stage-payload requirements.
func (m QueueMessage) Validate(stage Stage) error {
	if m.TenantID == "" {
		return errors.New("missing tenant_id")
	}
	if m.Type == "" {
		return errors.New("missing type")
	}
	// Out-of-band messages (bulk mapping-table embeddings) carry no job
	// context at all; anything tied to a run needs both keys.
	if m.JobID != "" || m.Token != "" || m.FirstItem || m.LastItem || m.LastJobItem {
		if m.JobID == "" {
			return errors.New("missing job_id")
		}
		if m.Token == "" {
			return errors.New("missing token")
		}
	}
	if m.IsCompletionSentinel(stage) {
		return nil
	}
	switch stage {
	case StageTransform:
		if m.RawDataID == nil {
			return errors.New("missing raw_data_id")
		}
	case StageEmbedding:
		if m.TableName == "" {
			return errors.New("missing table_name")
		}
		if m.ExternalID == nil {
			return errors.New("missing external_id")
		}
	}
	return nil
}
