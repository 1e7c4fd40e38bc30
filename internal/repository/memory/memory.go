package memory

import (
	"fraud_engine/internal/repository"
)

var (
	_ repository.RulesetRepository = (*RulesetRegistry)(nil)
	_ repository.VelocityStore     = (*VelocityStore)(nil)
	_ repository.OutboxStore       = (*OutboxStore)(nil)
)
