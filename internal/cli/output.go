package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/skobkin/espdeploy/internal/app"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/domain"
	"github.com/skobkin/espdeploy/internal/upload"
)

var (
	colorOK      = color.New(color.FgGreen, color.Bold).SprintFunc()
	colorWarn    = color.New(color.FgYellow, color.Bold).SprintFunc()
	colorFail    = color.New(color.FgRed, color.Bold).SprintFunc()
	colorFaint   = color.New(color.FgWhite, color.Faint).SprintFunc()
	colorHeading = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func kindLabel(kind connectors.SessionKind) string {
	if kind == connectors.SessionKindFirmware {
		return "Firmware"
	}

	return "Web files"
}

func writeSessionSummary(w io.Writer, res upload.Result) {
	label := kindLabel(res.Kind)
	counts := fmt.Sprintf("%d/%d files", res.Succeeded, res.Planned)

	switch {
	case res.Aborted:
		fmt.Fprintf(w, "%s %s upload aborted: invalid credentials (%s)\n", colorFail("✗"), label, counts)
	case res.Planned == 0:
		fmt.Fprintf(w, "%s %s: nothing to upload\n", colorFaint("-"), label)
	case res.OK():
		fmt.Fprintf(w, "%s %s uploaded (%s in %s)\n", colorOK("✓"), label, counts, res.FinishedAt.Sub(res.StartedAt).Round(100*time.Millisecond))
	case res.Succeeded > 0:
		fmt.Fprintf(w, "%s %s partially uploaded (%s)\n", colorWarn("!"), label, counts)
	default:
		fmt.Fprintf(w, "%s %s upload failed (%s)\n", colorFail("✗"), label, counts)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "  %s\n", colorFaint(res.Err.Error()))
	}
	for _, o := range res.Outcomes {
		if o.Succeeded || o.Err == nil {
			continue
		}
		fmt.Fprintf(w, "  %s %s: %v\n", colorFail("✗"), o.Name, o.Err)
	}

	if res.Restart != nil {
		writeRestartSummary(w, res.Host, res.Restart.Restarted, res.Restart.Elapsed, res.Restart.Total, res.Restart.Err)
	}
}

func writeRestartSummary(w io.Writer, host string, restarted bool, elapsed, total time.Duration, err error) {
	if restarted {
		fmt.Fprintf(w, "%s %s restarted after %s\n", colorOK("✓"), host, elapsed.Round(100*time.Millisecond))

		return
	}
	msg := fmt.Sprintf("%s did not confirm restart within %s", host, total.Round(time.Second))
	if err != nil {
		msg += ": " + err.Error()
	}
	fmt.Fprintf(w, "%s %s\n", colorWarn("!"), msg)
}

func writeDeploySummary(w io.Writer, res app.DeployResult) {
	if res.Firmware != nil {
		writeSessionSummary(w, *res.Firmware)
	}
	if res.DataSkipped != "" {
		fmt.Fprintf(w, "%s Web files skipped: %s\n", colorFaint("-"), res.DataSkipped)
	}
	if res.Data != nil {
		writeSessionSummary(w, *res.Data)
	}

	switch res.Deployment() {
	case app.DeploymentFull:
		fmt.Fprintln(w, colorOK("Deployment complete"))
	case app.DeploymentPartial:
		fmt.Fprintln(w, colorWarn("Deployment partially complete"))
	default:
		fmt.Fprintln(w, colorFail("Deployment failed"))
	}
}

func outcomeLabel(outcome domain.DeployOutcome) string {
	switch outcome {
	case domain.DeployOutcomeComplete:
		return colorOK(string(outcome))
	case domain.DeployOutcomePartial:
		return colorWarn(string(outcome))
	case domain.DeployOutcomeEmpty:
		return colorFaint(string(outcome))
	default:
		return colorFail(string(outcome))
	}
}

func restartLabel(r *domain.RestartRecord) string {
	switch {
	case r == nil:
		return colorFaint("-")
	case r.Restarted:
		return colorOK("after " + r.Elapsed.Round(time.Second).String())
	default:
		return colorWarn("not confirmed")
	}
}

func writeHistory(w io.Writer, sessions []domain.DeploySession, now time.Time) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No deployments recorded yet.")

		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, colorHeading("WHEN")+"\t"+colorHeading("HOST")+"\t"+colorHeading("KIND")+"\t"+
		colorHeading("FILES")+"\t"+colorHeading("OUTCOME")+"\t"+colorHeading("RESTART"))
	for _, s := range sessions {
		files := fmt.Sprintf("%d/%d", s.Succeeded, s.Planned)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(s.StartedAt, now, "ago", "from now"),
			s.Host,
			s.Kind,
			files,
			outcomeLabel(s.Outcome()),
			restartLabel(s.Restart),
		)
		for _, f := range s.Files {
			if f.Succeeded {
				continue
			}
			detail := strings.TrimSpace(f.ErrorText)
			if detail == "" {
				detail = "failed"
			}
			fmt.Fprintf(tw, "\t\t\t%s\t%s\t\n", f.Name, colorFaint(detail))
		}
	}

	return tw.Flush()
}

// describeFiles summarizes a job as "3 files, 1.2 MiB". Unreadable files count as empty.
func describeFiles(files []upload.File) string {
	var total uint64
	for _, f := range files {
		if info, err := os.Stat(f.Path); err == nil {
			total += uint64(info.Size())
		}
	}
	noun := "files"
	if len(files) == 1 {
		noun = "file"
	}

	return fmt.Sprintf("%d %s, %s", len(files), noun, humanize.IBytes(total))
}
