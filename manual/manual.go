// Package manual implements human-in-the-loop nodes of the request graph:
// manual task definitions, their versioned field configs, per-request
// instances awaiting submissions, and the conditional dependencies that gate
// whether a task applies to a given request.
package manual

import (
	"context"
	"errors"
	"time"

	"github.com/meikuraledutech/dsr"
)

var (
	ErrTaskNotFound     = errors.New("manual: manual task not found")
	ErrInstanceNotFound = errors.New("manual: manual task instance not found")
)

// ConfigType types a field-schema config as serving the access or erasure
// phase.
type ConfigType string

const (
	ConfigAccess  ConfigType = "access"
	ConfigErasure ConfigType = "erasure"
)

// Matches reports whether the config type serves the given action.
func (t ConfigType) Matches(action dsr.ActionType) bool {
	switch action {
	case dsr.ActionAccess:
		return t == ConfigAccess
	case dsr.ActionErasure:
		return t == ConfigErasure
	}
	return false
}

// FieldType is the input widget of a config field.
type FieldType string

const (
	FieldText       FieldType = "text"
	FieldCheckbox   FieldType = "checkbox"
	FieldAttachment FieldType = "attachment"
)

// ConfigField is one field a human must fill in.
type ConfigField struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// ManualTaskConfig is a versioned, typed field-schema definition. Only the
// config with IsCurrent set is live; older versions are retained so in-flight
// instances keep their original schema.
type ManualTaskConfig struct {
	ID           string        `json:"id"`
	ManualTaskID string        `json:"manual_task_id"`
	Type         ConfigType    `json:"type"`
	Version      int           `json:"version"`
	IsCurrent    bool          `json:"is_current"`
	Fields       []ConfigField `json:"fields"`
}

// ManualTask is 1:1 with a connection config. Key names the synthetic
// collection the task occupies in the graph; Condition, when set, gates
// whether the task applies to a request at all.
type ManualTask struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	ConnectionKey string     `json:"connection_key"`
	Condition     *Condition `json:"condition,omitempty"`
}

// Attachment is a human-uploaded file resolved to a presigned, sized
// reference.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Submission is one field's submitted value.
type Submission struct {
	FieldKey    string      `json:"field_key"`
	Value       any         `json:"value,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// ManualTaskInstance is the per-privacy-request, per-config work item a
// human must complete, with submissions keyed by field.
type ManualTaskInstance struct {
	ID               string                 `json:"id"`
	ManualTaskID     string                 `json:"manual_task_id"`
	ConfigID         string                 `json:"config_id"`
	PrivacyRequestID string                 `json:"privacy_request_id"`
	Submissions      map[string]*Submission `json:"submissions"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Complete reports whether every required field of the config has a
// submission.
func (i *ManualTaskInstance) Complete(cfg *ManualTaskConfig) bool {
	for _, f := range cfg.Fields {
		if !f.Required {
			continue
		}
		if _, ok := i.Submissions[f.Key]; !ok {
			return false
		}
	}
	return true
}

// Store defines the persistence contract for manual task entities.
type Store interface {
	CreateManualTask(ctx context.Context, task *ManualTask) error
	ListManualTasks(ctx context.Context, connectionKey string) ([]*ManualTask, error)

	CreateConfig(ctx context.Context, cfg *ManualTaskConfig) error
	ListConfigs(ctx context.Context, manualTaskID string) ([]*ManualTaskConfig, error)

	// CreateInstance is a no-op when an instance already exists for the
	// (privacy request, config) pair.
	CreateInstance(ctx context.Context, inst *ManualTaskInstance) error
	GetInstance(ctx context.Context, requestID, configID string) (*ManualTaskInstance, error)
	GetInstanceByID(ctx context.Context, instanceID string) (*ManualTaskInstance, error)
	ListInstances(ctx context.Context, requestID string) ([]*ManualTaskInstance, error)
	AddSubmission(ctx context.Context, instanceID string, sub *Submission) error
}

// CurrentConfigs filters configs to the live version of the given type.
func CurrentConfigs(configs []*ManualTaskConfig, t ConfigType) []*ManualTaskConfig {
	var out []*ManualTaskConfig
	for _, c := range configs {
		if c.IsCurrent && c.Type == t {
			out = append(out, c)
		}
	}
	return out
}
