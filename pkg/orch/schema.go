package orch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
	"codepipe/pkg/worker"
)

//nolint:gochecknoglobals // validator caches struct metadata and is safe for concurrent use
var validate = validator.New(validator.WithRequiredStructEnabled())

// PreprocessOutput is the preprocessing stage result.
type PreprocessOutput struct {
	Summary     string   `json:"summary" validate:"required"`
	Keywords    []string `json:"keywords,omitempty"`
	TargetFiles []string `json:"target_files,omitempty"`
}

// Change is one file edit proposed by the coding stage.
type Change struct {
	File      string `json:"file" validate:"required"`
	Content   string `json:"content"`
	SubtaskID string `json:"subtask_id,omitempty"`
}

// CodingOutput is the coding stage result.
type CodingOutput struct {
	Summary string   `json:"summary"`
	Changes []Change `json:"changes" validate:"required,min=1,dive"`
}

// ReviewOutput is the reviewing stage result.
type ReviewOutput struct {
	Approved bool     `json:"approved"`
	Issues   []string `json:"issues,omitempty"`
}

// Ballot is the voting worker's confidence in one candidate.
type Ballot struct {
	ContentHash string  `json:"content_hash" validate:"required"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// VoteOutput is what the voting worker returns.
type VoteOutput struct {
	Ballots []Ballot `json:"ballots" validate:"dive"`
}

// Decision is the committed voting result.
type Decision struct {
	Winner         string          `json:"winner"`
	CandidateIndex int             `json:"candidate_index"`
	Confidence     float64         `json:"confidence"`
	Output         json.RawMessage `json:"output"`
	Ballots        []Ballot        `json:"ballots,omitempty"`
}

// validated is a stage output that passed its schema.
type validated struct {
	output   json.RawMessage
	plan     *proto.Plan
	review   *ReviewOutput
	decision *Decision
}

func invalid(stage proto.Stage, format string, args ...any) error {
	return pipeerrors.New(pipeerrors.KindValidation, stage, format, args...)
}

// decodeStrict rejects unknown fields so malformed outputs fail early.
func decodeStrict(stage proto.Stage, raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalid(stage, "empty output")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid(stage, "output does not match schema: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return invalid(stage, "output invalid: %s", strings.Join(msgs, "; "))
		}
		return invalid(stage, "output invalid: %v", err)
	}
	return nil
}

// validateOutput checks a worker output against the stage schema and returns the canonical
// (compacted) output to commit. Voting additionally tallies the candidates.
func validateOutput(stage proto.Stage, raw json.RawMessage, task *proto.Task, candidates []worker.Candidate) (*validated, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, invalid(stage, "output is not JSON: %v", err)
	}
	out := &validated{output: compact.Bytes()}

	switch stage {
	case proto.StagePreprocessing:
		var v PreprocessOutput
		if err := decodeStrict(stage, raw, &v); err != nil {
			return nil, err
		}
	case proto.StagePlanning:
		var plan proto.Plan
		if err := decodeStrict(stage, raw, &plan); err != nil {
			return nil, err
		}
		if err := CheckPlan(&plan); err != nil {
			return nil, err
		}
		out.plan = &plan
	case proto.StageCoding:
		var v CodingOutput
		if err := decodeStrict(stage, raw, &v); err != nil {
			return nil, err
		}
		if task.Plan != nil {
			known := make(map[string]bool, len(task.Plan.Subtasks))
			for _, st := range task.Plan.Subtasks {
				known[st.ID] = true
			}
			for _, c := range v.Changes {
				if c.SubtaskID != "" && !known[c.SubtaskID] {
					return nil, invalid(stage, "change to %s references unknown subtask %q", c.File, c.SubtaskID)
				}
			}
		}
	case proto.StageReviewing:
		var v ReviewOutput
		if err := decodeStrict(stage, raw, &v); err != nil {
			return nil, err
		}
		if !v.Approved && len(v.Issues) == 0 {
			return nil, invalid(stage, "a review that is not approved must list issues")
		}
		out.review = &v
	case proto.StageVoting:
		var v VoteOutput
		if err := decodeStrict(stage, raw, &v); err != nil {
			return nil, err
		}
		d, err := Tally(candidates, v.Ballots)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encoding vote decision: %w", err)
		}
		out.output = body
		out.decision = d
	default:
		return nil, fmt.Errorf("no output schema for stage %q", stage)
	}
	return out, nil
}

// Tally picks the winning candidate. A ballot replaces the candidate's declared confidence;
// the highest confidence wins and ties go to the lowest content hash. Ballots for unknown
// hashes are rejected.
func Tally(candidates []worker.Candidate, ballots []Ballot) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, pipeerrors.New(pipeerrors.KindFatal, proto.StageVoting, "no coding candidates to vote on")
	}
	votes := make(map[string]float64, len(ballots))
	for _, b := range ballots {
		found := false
		for _, c := range candidates {
			if c.Hash == b.ContentHash {
				found = true
				break
			}
		}
		if !found {
			return nil, invalid(proto.StageVoting, "ballot for unknown candidate %s", b.ContentHash)
		}
		if prev, ok := votes[b.ContentHash]; !ok || b.Confidence > prev {
			votes[b.ContentHash] = b.Confidence
		}
	}

	best := -1
	bestConf := 0.0
	for i, c := range candidates {
		conf := c.Confidence
		if v, ok := votes[c.Hash]; ok {
			conf = v
		}
		if best < 0 || conf > bestConf || conf == bestConf && c.Hash < candidates[best].Hash {
			best, bestConf = i, conf
		}
	}
	return &Decision{
		Winner:         candidates[best].Hash,
		CandidateIndex: best,
		Confidence:     bestConf,
		Output:         candidates[best].Output,
		Ballots:        ballots,
	}, nil
}
