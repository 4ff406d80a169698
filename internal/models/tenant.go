package models

import (
	"fmt"
	"time"
)

// Tier is the capacity class assigned to a tenant. It selects both the
// queue set a tenant's messages land on and the worker-pool sizes that
// drain those queues.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierBasic    Tier = "basic"
)

// Stage is one of the three sequential pipeline phases.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageTransform  Stage = "transform"
	StageEmbedding  Stage = "embedding"
)

func AllTiers() []Tier {
	return []Tier{TierPremium, TierStandard, TierBasic}
}

func AllStages() []Stage {
	return []Stage{StageExtraction, StageTransform, StageEmbedding}
}

// NextStage returns the stage a message flows to after the given one.
// The embedding stage is terminal and returns ok=false.
func NextStage(stage Stage) (Stage, bool) {
	switch stage {
	case StageExtraction:
		return StageTransform, true
	case StageTransform:
		return StageEmbedding, true
	default:
		return "", false
	}
}

// QueueName builds the broker queue name for a tier/stage combination.
func QueueName(tier Tier, stage Stage) string {
	return fmt.Sprintf("etl.%s.%s", tier, stage)
}

type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Tier      Tier      `json:"tier" db:"tier"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
