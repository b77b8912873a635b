// Package memview projects the memory network per pipeline stage. Each stage reads the same
// graph through its own lens: level weights, a result limit, a filter, and a token budget.
package memview

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"codepipe/pkg/config"
	"codepipe/pkg/knowledge"
	"codepipe/pkg/proto"
)

// ErrUnknownStage is returned when no lens exists for a stage.
var ErrUnknownStage = errors.New("no memory lens for stage")

// Filter decides whether a node is visible to a request.
type Filter func(req Request, n *knowledge.Node) bool

// Lens is the stage-specific projection of the memory network.
type Lens struct {
	LevelWeights map[knowledge.Level]float64
	Filter       Filter
	Limit        int
	HopLimit     int
	TokenBudget  int
	SkillLimit   int
}

// Lenses maps every stage to its lens.
type Lenses map[proto.Stage]Lens

// Validate checks the map is total over the defined stages and every lens is usable.
func (l Lenses) Validate() error {
	var errs []error
	for _, stage := range proto.Stages {
		lens, ok := l[stage]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownStage, stage))
			continue
		}
		if lens.Limit <= 0 {
			errs = append(errs, fmt.Errorf("lens %s: limit must be positive", stage))
		}
		positive := false
		for level, w := range lens.LevelWeights {
			if !level.Valid() {
				errs = append(errs, fmt.Errorf("lens %s: unknown level %q", stage, level))
			}
			if w < 0 {
				errs = append(errs, fmt.Errorf("lens %s: negative weight for %s", stage, level))
			}
			if w > 0 {
				positive = true
			}
		}
		if !positive {
			errs = append(errs, fmt.Errorf("lens %s: no level has a positive weight", stage))
		}
	}
	for stage := range l {
		if !stage.Valid() {
			errs = append(errs, fmt.Errorf("lens for undefined stage %q", stage))
		}
	}
	return errors.Join(errs...)
}

// DefaultLenses builds the standard lens set from memory configuration. Coding weights symbols
// and sees only the target subtrees; planning weights subsystems for architectural framing.
func DefaultLenses(cfg config.MemoryConfig) Lenses {
	limit := cfg.ResultLimit
	if limit <= 0 {
		limit = config.DefaultResultLimit
	}
	budget := cfg.TokenBudget
	return Lenses{
		proto.StagePreprocessing: {
			LevelWeights: map[knowledge.Level]float64{
				knowledge.LevelProject: 1, knowledge.LevelSubsystem: 0.8,
				knowledge.LevelModule: 0.5, knowledge.LevelSymbol: 0.3,
			},
			Limit: limit, TokenBudget: budget, SkillLimit: 3,
		},
		proto.StagePlanning: {
			LevelWeights: map[knowledge.Level]float64{
				knowledge.LevelSubsystem: 1, knowledge.LevelModule: 0.7,
				knowledge.LevelProject: 0.6, knowledge.LevelSymbol: 0.4,
			},
			Limit: limit, TokenBudget: budget, SkillLimit: 3,
		},
		proto.StageCoding: {
			LevelWeights: map[knowledge.Level]float64{
				knowledge.LevelSymbol: 1, knowledge.LevelModule: 0.6, knowledge.LevelSubsystem: 0.2,
			},
			Filter: UnderTargets,
			Limit:  limit, TokenBudget: budget, SkillLimit: 2,
		},
		proto.StageReviewing: {
			LevelWeights: map[knowledge.Level]float64{
				knowledge.LevelModule: 1, knowledge.LevelSymbol: 0.8, knowledge.LevelSubsystem: 0.4,
			},
			Filter: UnderTargets,
			Limit:  limit, TokenBudget: budget, SkillLimit: 2,
		},
		proto.StageVoting: {
			LevelWeights: map[knowledge.Level]float64{
				knowledge.LevelSymbol: 1, knowledge.LevelModule: 0.5,
			},
			Limit: min(limit, 5), TokenBudget: budget,
		},
	}
}

// UnderTargets keeps nodes located under the directory of any target file. Requests without
// targets see everything.
func UnderTargets(req Request, n *knowledge.Node) bool {
	if len(req.TargetFiles) == 0 {
		return true
	}
	if n.Path == "" {
		return false
	}
	for _, target := range req.TargetFiles {
		dir := path.Dir(path.Clean(strings.TrimPrefix(target, "./")))
		if dir == "." || n.Path == dir || strings.HasPrefix(n.Path, dir+"/") {
			return true
		}
	}
	return false
}
