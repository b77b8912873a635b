package orch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
	"codepipe/pkg/worker"
)

func plan(deps map[string][]string, order ...string) *proto.Plan {
	p := &proto.Plan{}
	for _, id := range order {
		p.Subtasks = append(p.Subtasks, proto.Subtask{ID: id, Description: "do " + id, DependsOn: deps[id]})
	}
	return p
}

func TestCheckPlan(t *testing.T) {
	assert.NoError(t, CheckPlan(plan(map[string][]string{"b": {"a"}, "c": {"a", "b"}}, "a", "b", "c")))

	err := CheckPlan(plan(map[string][]string{"a": {"b"}, "b": {"a"}}, "a", "b"))
	require.Error(t, err)
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindCycle))
	assert.Contains(t, err.Error(), "a -> b -> a")

	err = CheckPlan(plan(map[string][]string{"a": {"a"}}, "a"))
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindCycle))

	err = CheckPlan(plan(map[string][]string{"a": {"ghost"}}, "a"))
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))
	assert.Contains(t, err.Error(), "ghost")

	err = CheckPlan(plan(nil, "a", "a"))
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))
}

func TestExecutionOrder(t *testing.T) {
	p := plan(map[string][]string{"api": {"model"}, "model": {"db"}, "docs": nil}, "api", "docs", "model", "db")
	var ids []string
	for _, st := range ExecutionOrder(p) {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"docs", "db", "model", "api"}, ids)
}

func TestTally(t *testing.T) {
	cands := []worker.Candidate{
		{Hash: "bbb", Output: json.RawMessage(`"b"`), Confidence: 0.5},
		{Hash: "aaa", Output: json.RawMessage(`"a"`), Confidence: 0.5},
		{Hash: "ccc", Output: json.RawMessage(`"c"`), Confidence: 0.4},
	}

	d, err := Tally(cands, nil)
	require.NoError(t, err)
	assert.Equal(t, "aaa", d.Winner, "ties go to the lowest hash")
	assert.Equal(t, 1, d.CandidateIndex)

	d, err = Tally(cands, []Ballot{{ContentHash: "ccc", Confidence: 0.95}, {ContentHash: "ccc", Confidence: 0.2}})
	require.NoError(t, err)
	assert.Equal(t, "ccc", d.Winner)
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)
	assert.JSONEq(t, `"c"`, string(d.Output))

	_, err = Tally(cands, []Ballot{{ContentHash: "zzz", Confidence: 1}})
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))

	_, err = Tally(nil, nil)
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindFatal))
}

func TestValidateOutput(t *testing.T) {
	task := &proto.Task{Plan: plan(nil, "s1")}

	_, err := validateOutput(proto.StageCoding, json.RawMessage(`{"changes":[]}`), task, nil)
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))

	_, err = validateOutput(proto.StageCoding,
		json.RawMessage(`{"changes":[{"file":"a.go","subtask_id":"s9"}]}`), task, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s9")

	v, err := validateOutput(proto.StageCoding,
		json.RawMessage("{\n  \"changes\": [{\"file\": \"a.go\", \"subtask_id\": \"s1\"}]\n}"), task, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"changes":[{"file":"a.go","subtask_id":"s1"}]}`, string(v.output))

	_, err = validateOutput(proto.StagePreprocessing, json.RawMessage(`not json`), task, nil)
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))

	_, err = validateOutput(proto.StageVoting, json.RawMessage(`{"ballots":[{"content_hash":"x","confidence":2}]}`), task,
		[]worker.Candidate{{Hash: "x"}})
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))
}
