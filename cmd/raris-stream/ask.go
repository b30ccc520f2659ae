package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/raris-stream/internal/answer"
	"github.com/tjfontaine/raris-stream/internal/api/raris"
	"github.com/tjfontaine/raris-stream/internal/domain"
)

var (
	askDepth         int
	askSync          bool
	askShowStatus    bool
	askJurisdictions []string
	askBodies        []string
	askAuthority     []string
	askDocTypes      []string
)

// askCmd streams an answer to a regulatory question
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a regulatory question and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		req := domain.QueryRequest{
			Query:   strings.Join(args, " "),
			Depth:   askDepth,
			Filters: askFilters(),
		}

		if askSync {
			resp, err := client.Query(cmd.Context(), req)
			if err != nil {
				return err
			}
			res := resp.AnswerResult()
			fmt.Fprintln(out, res.Response)
			printSources(out, raris.Correlate(answer.State{Text: res.Response, Result: res}))
			return nil
		}

		a, err := client.Ask(cmd.Context(), req, answer.Callbacks{
			OnToken: func(tok string) { fmt.Fprint(out, tok) },
			OnStatus: func(st answer.Status) {
				if askShowStatus {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s %s] %s\n", st.Event, st.Step, st.Message)
				}
			},
		})
		fmt.Fprintln(out)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		printSources(out, a)
		return nil
	},
}

// queryCmd fetches a stored answer
var queryCmd = &cobra.Command{
	Use:   "query <query-id>",
	Short: "Show a previously answered query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client.GetQuery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

// citationCmd looks up one citation
var citationCmd = &cobra.Command{
	Use:   "citation <chunk-id>",
	Short: "Show the source details of a cited chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.Citation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

// statsCmd prints corpus statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.CorpusStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

func init() {
	askCmd.Flags().IntVarP(&askDepth, "depth", "d", domain.DefaultDepth, "Analysis depth (1-4)")
	askCmd.Flags().BoolVar(&askSync, "sync", false, "Wait for the whole answer instead of streaming")
	askCmd.Flags().BoolVar(&askShowStatus, "status", false, "Print pipeline status frames to stderr")
	askCmd.Flags().StringSliceVar(&askJurisdictions, "jurisdiction", nil, "Filter by jurisdiction (repeatable)")
	askCmd.Flags().StringSliceVar(&askBodies, "body", nil, "Filter by regulatory body (repeatable)")
	askCmd.Flags().StringSliceVar(&askAuthority, "authority", nil, "Filter by authority level (repeatable)")
	askCmd.Flags().StringSliceVar(&askDocTypes, "doc-type", nil, "Filter by document type (repeatable)")
}

func askFilters() *domain.SearchFilters {
	f := &domain.SearchFilters{
		Jurisdiction:   askJurisdictions,
		RegulatoryBody: askBodies,
		AuthorityLevel: askAuthority,
		DocumentType:   askDocTypes,
	}
	if len(f.Jurisdiction)+len(f.RegulatoryBody)+len(f.AuthorityLevel)+len(f.DocumentType) == 0 {
		return nil
	}
	return f
}

func printSources(w io.Writer, a *raris.Answer) {
	res := a.Result()
	if res == nil {
		return
	}
	if res.TokenCountEstimated {
		fmt.Fprintf(w, "\n~%d tokens (estimated), %d sources\n", res.TokenCount, res.SourcesCount)
	} else {
		fmt.Fprintf(w, "\n%d tokens, %d sources\n", res.TokenCount, res.SourcesCount)
	}

	for i, b := range a.Bindings {
		if !b.Resolved() {
			fmt.Fprintf(w, "  [%d] %s (not in citation set)\n", i+1, b.Marker)
			continue
		}
		c := b.Citation
		title := c.DocumentTitle
		if title == "" {
			title = c.SourceID
		}
		fmt.Fprintf(w, "  [%d] %s, %s (%.0f%%)\n", i+1, title, c.SectionPath, c.Confidence*100)
	}

	for _, bucket := range a.ByBody {
		ids := make([]string, 0, len(bucket.Sources))
		for _, s := range bucket.Sources {
			ids = append(ids, s.SourceID)
		}
		fmt.Fprintf(w, "  %s: %s\n", bucket.Label, strings.Join(ids, ", "))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
