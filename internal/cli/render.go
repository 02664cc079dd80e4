package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BartekS5/convsync/internal/config"
	"github.com/BartekS5/convsync/internal/etl"
	"github.com/BartekS5/convsync/internal/staging"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	skippedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

func renderConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func renderExtraction(w io.Writer, r *etl.ExtractionResult) {
	fmt.Fprintln(w, headerStyle.Render("Extraction"))
	if r == nil || r.Skipped {
		fmt.Fprintln(w, "  "+skippedStyle.Render("skipped"))
		return
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("records:"), countStyle.Render(strconv.Itoa(r.Records)))
}

func renderLoad(w io.Writer, r *etl.LoadResult) {
	fmt.Fprintln(w, headerStyle.Render("Load"))
	if r == nil || r.Skipped || r.Report == nil {
		fmt.Fprintln(w, "  "+skippedStyle.Render("skipped"))
		return
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("rows changed:"), countStyle.Render(strconv.FormatInt(r.Report.Rows, 10)))
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("table rows:"), strconv.FormatInt(r.Report.Total, 10))
	if r.Report.Rejected > 0 {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("rejected:"), warnStyle.Render(strconv.FormatInt(r.Report.Rejected, 10)))
	}
}

func renderTransform(w io.Writer, r *etl.TransformResult) {
	fmt.Fprintln(w, headerStyle.Render("Transform"))
	if r == nil || r.Skipped {
		fmt.Fprintln(w, "  "+skippedStyle.Render("skipped"))
		return
	}
	fmt.Fprintln(w, "  "+countStyle.Render("dbt completed"))
}

func renderResult(w io.Writer, res *etl.Result) {
	renderExtraction(w, res.Extraction)
	if res.Load != nil {
		renderLoad(w, res.Load)
	}
	if res.Transform != nil {
		renderTransform(w, res.Transform)
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("duration:"), res.Duration.Round(time.Millisecond))
}

func renderStats(w io.Writer, s *etl.TableStats) {
	fmt.Fprintln(w, headerStyle.Render("Analytical table"))
	if s.Rows == 0 {
		fmt.Fprintln(w, "  "+skippedStyle.Render("empty"))
		return
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("rows:"), countStyle.Render(strconv.FormatInt(s.Rows, 10)))
	fmt.Fprintf(w, "  %s %s .. %s (%d days)\n", labelStyle.Render("dates:"), s.MinDate, s.MaxDate, s.Days)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if len(s.TopProjects) > 0 {
		fmt.Fprintln(tw, "\n  "+labelStyle.Render("PROJECT")+"\t"+labelStyle.Render("ROWS")+"\t")
		for _, g := range s.TopProjects {
			fmt.Fprintf(tw, "  %s\t%d\t\n", groupKey(g.Key), g.Count)
		}
	}
	if len(s.Types) > 0 {
		fmt.Fprintln(tw, "\n  "+labelStyle.Render("TYPE")+"\t"+labelStyle.Render("ROWS")+"\t")
		for _, g := range s.Types {
			fmt.Fprintf(tw, "  %s\t%d\t\n", groupKey(g.Key), g.Count)
		}
	}
	_ = tw.Flush()
}

func renderStorageInfo(w io.Writer, info *staging.Info) {
	fmt.Fprintln(w, headerStyle.Render("Intermediate storage"))
	fmt.Fprintf(w, "  %s %s (%s)\n", labelStyle.Render("location:"), info.Location, info.Backend)
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("records:"), countStyle.Render(strconv.FormatInt(info.Records, 10)))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if len(info.Partitions) > 0 {
		fmt.Fprintln(tw, "\n  "+labelStyle.Render("DATE")+"\t"+labelStyle.Render("UNITS")+"\t"+labelStyle.Render("RECORDS")+"\t")
		for _, p := range info.Partitions {
			fmt.Fprintf(tw, "  %s\t%d\t%d\t\n", p.Date, p.Units, p.Records)
		}
	}
	if len(info.Snapshots) > 0 {
		fmt.Fprintln(tw, "\n  "+labelStyle.Render("SNAPSHOT")+"\t"+labelStyle.Render("COMMITTED")+"\t"+labelStyle.Render("RECORDS")+"\t")
		for _, s := range info.Snapshots {
			fmt.Fprintf(tw, "  %d %s\t%s\t%d\t\n", s.Sequence, shortID(s.ID), s.CommittedAt.Format(time.RFC3339), s.AddedRecords)
		}
	}
	_ = tw.Flush()
}

func renderWatermark(w io.Writer, path string, t *time.Time) {
	fmt.Fprintln(w, headerStyle.Render("Watermark"))
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("file:"), path)
	if t == nil {
		fmt.Fprintln(w, "  "+skippedStyle.Render("not set, next run reads everything"))
		return
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("last extracted:"), countStyle.Render(t.UTC().Format(time.RFC3339Nano)))
}

func groupKey(k *string) string {
	if k == nil || strings.TrimSpace(*k) == "" {
		return "(none)"
	}
	return *k
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
