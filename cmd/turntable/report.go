package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/4thel00z/turntable/internal"
)

func printReport(w io.Writer, rep internal.RunReport) {
	fmt.Fprintf(w, "run %s  reference %s  area %d  bbox %v\n",
		rep.ID, rep.Reference.ImageID, rep.Reference.Area, rep.Reference.BBox)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, img := range rep.Images {
		switch {
		case img.Failure != nil:
			fmt.Fprintf(tw, "%s\tfailed (%s)\t%s\n", img.ImageID, img.Failure.Kind, img.Failure.Message)
		case len(img.Matches) == 0:
			fmt.Fprintf(tw, "%s\tno match\t\n", img.ImageID)
		default:
			for _, m := range img.Matches {
				fmt.Fprintf(tw, "%s\t#%d sim %.3f quality %.3f\tbbox %v\n",
					img.ImageID, m.Rank, m.Similarity, m.QualityScore, m.BBox)
			}
		}
	}
	tw.Flush()

	fmt.Fprintf(w, "matched %d/%d, failed %d", rep.Matched, rep.Total, rep.Failed)
	if rep.Canceled {
		fmt.Fprint(w, " (canceled)")
	}
	fmt.Fprintln(w)
}

func printRunList(w io.Writer, runs []internal.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, rep := range runs {
		status := "done"
		if rep.Canceled {
			status = "canceled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d matched\t%s\n",
			rep.ID, rep.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rep.Reference.ImageID, rep.Matched, rep.Total, status)
	}
	tw.Flush()
}
