package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"codepipe/pkg/orch"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printStatus writes st as indented JSON, or as a short report when w is a terminal.
func printStatus(w io.Writer, forceJSON bool, st *orch.TaskStatus) error {
	if forceJSON || !isTerminal(w) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task      %s\n", st.TaskID)
	fmt.Fprintf(&b, "session   %s\n", st.SessionID)
	fmt.Fprintf(&b, "state     %s (%s)\n", st.State, st.Status)
	if st.Stage != "" {
		fmt.Fprintf(&b, "stage     %s, attempt %d\n", st.Stage, st.Attempt)
	}
	if len(st.Completed) > 0 {
		names := make([]string, len(st.Completed))
		for i, s := range st.Completed {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "completed %s\n", strings.Join(names, " > "))
	}
	if st.Reworks > 0 {
		fmt.Fprintf(&b, "reworks   %d\n", st.Reworks)
	}
	if st.PendingTool != nil {
		fmt.Fprintf(&b, "waiting   tool %s (%s)\n", st.PendingTool.Name, st.PendingTool.ID)
	}
	if st.Result != nil {
		fmt.Fprintf(&b, "winner    candidate %d (%s), confidence %.2f\n",
			st.Result.CandidateIndex, short(st.Result.Winner), st.Result.Confidence)
	}
	if st.Error != nil {
		fmt.Fprintf(&b, "error     %s: %s\n", st.Error.Kind, st.Error.Message)
	}
	if st.LastCheckpointID != "" {
		fmt.Fprintf(&b, "checkpoint %s\n", st.LastCheckpointID)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
