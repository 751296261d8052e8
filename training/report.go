package training

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Report collects the per-profile results of one Run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Profiles  []ProfileResult
}

// SucceededCount counts profiles that completed or resumed successfully.
func (r *Report) SucceededCount() int {
	n := 0
	for _, p := range r.Profiles {
		if p.Succeeded() {
			n++
		}
	}
	return n
}

// Succeeded reports whether at least one profile is trained. The CLI exits
// non-zero otherwise.
func (r *Report) Succeeded() bool {
	return r.SucceededCount() > 0
}

// Label renders the outcome the way operators read it, e.g.
// "resumed-from-epoch-7" or "skipped-due-to-error".
func (p ProfileResult) Label() string {
	switch p.Outcome {
	case OutcomeResumed:
		return fmt.Sprintf("resumed-from-epoch-%d", p.ResumedFrom)
	case OutcomeSkipped:
		return "skipped-due-to-error"
	case "":
		return "unknown"
	default:
		return string(p.Outcome)
	}
}

// Render writes a fixed-width summary table. Timing is omitted so the output
// is stable for a given set of results.
func (r *Report) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "run %s\n", r.RunID); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tOUTCOME\tEPOCHS RUN\tLAST EPOCH\tLOSS\tSAVE FAILURES\tERROR")
	for _, p := range r.Profiles {
		loss := "-"
		if p.LastEpoch >= 0 {
			loss = fmt.Sprintf("%.6f", p.FinalLoss)
		}
		errText := "-"
		if p.Err != nil {
			errText = p.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			p.ProfileID, p.Label(), p.EpochsRun, p.LastEpoch, loss, p.SaveFailures, errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d profiles trained\n", r.SucceededCount(), len(r.Profiles))
	return err
}
