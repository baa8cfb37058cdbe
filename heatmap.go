package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/paulmach/orb"

	"noisemap/api"
	"noisemap/geo"
)

// printHeatmap lists grid cells, most stressed first, followed by their extent.
func printHeatmap(w io.Writer, cells []api.HeatmapGridPoint) {
	if len(cells) == 0 {
		fmt.Fprintln(w, "no heatmap data")
		return
	}
	sorted := slices.Clone(cells)
	slices.SortStableFunc(sorted, func(a, b api.HeatmapGridPoint) int {
		switch {
		case a.AverageStress > b.AverageStress:
			return -1
		case a.AverageStress < b.AverageStress:
			return 1
		}
		return b.Count - a.Count
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LATITUDE\tLONGITUDE\tSTRESS\tREADINGS")
	pts := make([]orb.Point, len(sorted))
	readings := 0
	for i, c := range sorted {
		fmt.Fprintf(tw, "%.5f\t%.5f\t%.2f\t%d\n", c.Latitude, c.Longitude, c.AverageStress, c.Count)
		pts[i] = orb.Point{c.Longitude, c.Latitude}
		readings += c.Count
	}
	tw.Flush()

	b := geo.Bounds(pts)
	fmt.Fprintf(w, "\n%d cells, %d readings, lat %.5f..%.5f, lng %.5f..%.5f\n",
		len(sorted), readings, b.Min.Lat(), b.Max.Lat(), b.Min.Lon(), b.Max.Lon())
}

func printReadings(w io.Writer, readings []api.Reading) {
	if len(readings) == 0 {
		fmt.Fprintln(w, "no readings")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGRID\tSTRESS\tTIMESTAMP")
	for _, r := range readings {
		ts := "-"
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\n", r.ID, r.GridLocation, r.StressScore, ts)
	}
	tw.Flush()
}
