package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/faultline/internal/http"
	"github.com/fyrsmithlabs/faultline/internal/suggest"
)

func (c *cli) signalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List the signals currently buffered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.SignalsResponse
			if err := c.call(cmd.Context(), http.MethodGet, "/api/v1/signals", nil, &resp); err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(resp)
			}
			if len(resp.Signals) == 0 {
				fmt.Fprintln(c.out, "no signals")
				return nil
			}
			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tKIND\tSEVERITY\tTAB\tMESSAGE")
			for _, s := range resp.Signals {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Timestamp.Format("15:04:05.000"), s.Kind, s.Severity, s.TabScope, truncate(s.Message, 80))
			}
			return w.Flush()
		},
	}
}

func (c *cli) queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <signal-id>",
		Short: "Show the search query and tags derived from a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.QueryResponse
			err := c.call(cmd.Context(), http.MethodGet, "/api/v1/signals/"+url.PathEscape(args[0])+"/query", nil, &resp)
			if isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("signal %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(resp)
			}
			fmt.Fprintf(c.out, "query:      %s\n", resp.Query.Text)
			if resp.Query.ErrorType != "" {
				fmt.Fprintf(c.out, "error type: %s\n", resp.Query.ErrorType)
			}
			fmt.Fprintf(c.out, "kind:       %s\n", resp.Tags.Kind)
			fmt.Fprintf(c.out, "severity:   %s\n", resp.Tags.Severity)
			if len(resp.Tags.Labels) > 0 {
				fmt.Fprintf(c.out, "labels:     %s\n", strings.Join(resp.Tags.Labels, ", "))
			}
			return nil
		},
	}
}

func (c *cli) suggestCmd() *cobra.Command {
	var (
		sources  []string
		max      int
		sortBy   string
		signalID string
	)
	cmd := &cobra.Command{
		Use:   "suggest [text]",
		Short: "Request fix suggestions for an error message or a captured signal",
		Long: `Request fix suggestions for free text, or for a captured signal with --signal.

Examples:
  faultctl suggest "TypeError: x is not a function" --sources docs,stackoverflow
  faultctl suggest --signal 6f1c... --sources github --sort votes --max 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpserver.SuggestRequest{
				SignalID:   signalID,
				MaxResults: max,
				SortBy:     suggest.SortBy(sortBy),
			}
			if len(args) == 1 {
				req.Query = args[0]
			}
			if (req.Query == "") == (req.SignalID == "") {
				return fmt.Errorf("give either query text or --signal")
			}
			for _, s := range sources {
				req.Sources = append(req.Sources, suggest.SourceID(strings.TrimSpace(s)))
			}

			var result suggest.Result
			if err := c.call(cmd.Context(), http.MethodPost, "/api/v1/suggestions", req, &result); err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(result)
			}
			c.printResult(result)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sources, "sources", []string{string(suggest.SourceDocs)}, "sources to search: docs, stackoverflow, github")
	cmd.Flags().IntVar(&max, "max", 0, "maximum results (server default when 0)")
	cmd.Flags().StringVar(&sortBy, "sort", string(suggest.SortNone), "ordering: none, relevance or votes")
	cmd.Flags().StringVar(&signalID, "signal", "", "build the query from this signal")
	return cmd
}

func (c *cli) printResult(r suggest.Result) {
	fmt.Fprintf(c.out, "query: %s\n", r.Query.Text)
	for src, st := range r.Status {
		if st != suggest.StatusOK {
			fmt.Fprintf(c.out, "source %s: %s\n", src, st)
		}
	}
	if len(r.Suggestions) == 0 {
		fmt.Fprintln(c.out, "no suggestions")
		return
	}
	for i, s := range r.Suggestions {
		mark := ""
		if s.Accepted {
			mark = " [accepted]"
		}
		fmt.Fprintf(c.out, "%2d. [%s] %s%s\n", i+1, s.Source, s.Title, mark)
		fmt.Fprintf(c.out, "    %s\n", s.URL)
		fmt.Fprintf(c.out, "    id=%s votes=%d relevance=%.2f\n", s.ID, s.VoteCount, s.RelevanceScore)
	}
}

func (c *cli) feedbackCmd() *cobra.Command {
	var (
		rating string
		source string
		query  string
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "feedback [suggestion-id]",
		Short: "Record whether a suggestion helped, or list recorded feedback",
		Long: `Record feedback for a suggestion, or list feedback with --list.

Examples:
  faultctl feedback stackoverflow:12345 --rating helpful
  faultctl feedback --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				var resp httpserver.FeedbackResponse
				if err := c.call(cmd.Context(), http.MethodGet, "/api/v1/feedback", nil, &resp); err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(resp)
				}
				w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "AT\tSUGGESTION\tRATING\tQUERY")
				for _, f := range resp.Feedback {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.At.Format("2006-01-02 15:04"), f.SuggestionID, f.Rating, f.Query)
				}
				return w.Flush()
			}

			if len(args) != 1 {
				return fmt.Errorf("suggestion id is required")
			}
			var fb suggest.Feedback
			err := c.call(cmd.Context(), http.MethodPost, "/api/v1/feedback", httpserver.FeedbackRequest{
				SuggestionID: args[0],
				Source:       suggest.SourceID(source),
				Query:        query,
				Rating:       suggest.Rating(rating),
			}, &fb)
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(fb)
			}
			fmt.Fprintf(c.out, "recorded %s for %s (%s)\n", fb.Rating, fb.SuggestionID, fb.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&rating, "rating", string(suggest.RatingHelpful), "helpful or not_helpful")
	cmd.Flags().StringVar(&source, "source", "", "source the suggestion came from")
	cmd.Flags().StringVar(&query, "query", "", "query the suggestion answered")
	cmd.Flags().BoolVar(&list, "list", false, "list recorded feedback")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health httpserver.HealthResponse
			resp, err := c.client().R().
				SetContext(cmd.Context()).
				SetResult(&health).
				SetError(&health).
				Get("/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if c.asJSON {
				if err := c.printJSON(health); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(c.out, "status: %s\n", health.Status)
				fmt.Fprintf(c.out, "relay:  %s\n", health.Relay)
				if len(health.Sources) > 0 {
					ids := make([]string, len(health.Sources))
					for i, s := range health.Sources {
						ids[i] = string(s)
					}
					fmt.Fprintf(c.out, "sources: %s\n", strings.Join(ids, ", "))
				}
			}
			if resp.IsError() {
				return fmt.Errorf("daemon unhealthy: %s", resp.Status())
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
