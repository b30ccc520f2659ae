package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/raris-stream/internal/api/raris"
	"github.com/tjfontaine/raris-stream/internal/progress"
)

var (
	discoverProvider string
	discoverDepth    int
	discoverGeoScope string
	discoverSegments []string
)

// discoverCmd starts a discovery run and follows it
var discoverCmd = &cobra.Command{
	Use:   "discover <domain description>",
	Short: "Start a source discovery run and follow its progress",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		req := &raris.GenerateRequest{
			DomainDescription: strings.Join(args, " "),
			LLMProvider:       discoverProvider,
			KDepth:            discoverDepth,
			GeoScope:          discoverGeoScope,
			TargetSegments:    discoverSegments,
		}

		resp, snap, err := client.Discover(cmd.Context(), req, progress.WithOnEvent(printEvent(out)))
		if resp != nil {
			fmt.Fprintf(out, "manifest %s (%s)\n", resp.ManifestID, resp.Status)
		}
		printSummary(out, snap)
		return err
	},
}

// watchCmd follows a run that is already in progress
var watchCmd = &cobra.Command{
	Use:   "watch <manifest-id | stream-url>",
	Short: "Follow the progress of a running discovery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		snap, err := client.WatchDiscovery(cmd.Context(), streamURL(args[0]), progress.WithOnEvent(printEvent(out)))
		printSummary(out, snap)
		return err
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverProvider, "provider", "", "LLM provider used by the run")
	discoverCmd.Flags().IntVarP(&discoverDepth, "depth", "k", 2, "Discovery depth (1-4)")
	discoverCmd.Flags().StringVar(&discoverGeoScope, "geo-scope", raris.GeoScopeState, "Geographic scope: national, state, municipal")
	discoverCmd.Flags().StringSliceVar(&discoverSegments, "segment", nil, "Target segment (repeatable)")
}

// streamURL accepts a bare manifest id or a stream URL as returned by discover.
func streamURL(arg string) string {
	if strings.HasPrefix(arg, "/") || strings.Contains(arg, "://") {
		return arg
	}
	return raris.StreamPath(arg)
}

func printEvent(w io.Writer) func(progress.Event) {
	return func(ev progress.Event) {
		switch ev.Stage {
		case progress.StageProgress:
			fmt.Fprintf(w, "  ..  %s\n", formatCounters(ev.Counters))
		case progress.StageComplete:
			fmt.Fprintln(w, "  ==  complete")
		default:
			line := fmt.Sprintf("  %-13s %s", ev.Stage.Label(), ev.Status)
			if ev.Message != "" {
				line += ": " + ev.Message
			}
			fmt.Fprintln(w, line)
		}
	}
}

func printSummary(w io.Writer, snap progress.Snapshot) {
	done := len(snap.CompletedStages)
	fmt.Fprintf(w, "%d/%d stages complete (%.0f%%)\n", done, len(progress.Stages()), snap.Fraction()*100)
	if snap.Terminal {
		if id := snap.Summary.ManifestID(); id != "" {
			fmt.Fprintf(w, "manifest ready: %s\n", id)
		}
		if len(snap.Summary.Counters) > 0 {
			fmt.Fprintf(w, "  %s\n", formatCounters(snap.Summary.Counters))
		}
	}
}

func formatCounters(c progress.Counters) string {
	parts := make([]string, 0, len(c))
	for _, k := range c.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%g", k, c[k]))
	}
	return strings.Join(parts, " ")
}
