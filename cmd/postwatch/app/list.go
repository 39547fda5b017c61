package app

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/registry"
	"github.com/postwatch/postwatch/internal/staleness"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

type listedClient struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Username          string `json:"username" yaml:"username"`
	Manager           string `json:"manager" yaml:"manager"`
	DaysSinceLastPost int    `json:"days_since_last_post" yaml:"days_since_last_post"`
	Tier              string `json:"tier" yaml:"tier"`
	Status            string `json:"status" yaml:"status"`
	Followers         string `json:"followers" yaml:"followers"`
	Following         string `json:"following" yaml:"following"`
	Posts             string `json:"posts" yaml:"posts"`
	EngagementRate    string `json:"engagement_rate" yaml:"engagement_rate"`
	Provenance        string `json:"provenance,omitempty" yaml:"provenance,omitempty"`
}

func newListCmd() *cobra.Command {
	var (
		filter string
		query  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients, most overdue first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := registry.ParseFilter(filter)
			if err != nil {
				return err
			}
			if err := checkFormat(format); err != nil {
				return err
			}

			svc, err := newServices(commandContext(cmd), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer svc.Close()

			now := time.Now()
			clients := svc.registry.List(f, query)
			listed := make([]listedClient, 0, len(clients))
			for _, c := range clients {
				listed = append(listed, toListed(c, now))
			}

			return render(cmd.OutOrStdout(), format, listed, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "NAME\tUSERNAME\tMANAGER\tDAYS\tSTATUS\tFOLLOWERS\tPOSTS\tENGAGEMENT")
				for _, c := range listed {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						c.Name, c.Username, c.Manager, c.DaysSinceLastPost, c.Status, c.Followers, c.Posts, c.EngagementRate)
				}
			})
		},
	}

	cmd.Flags().StringVar(&filter, "filter", string(registry.FilterAll), "Which clients to show (all, alert)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Only show clients whose name or username contains this text")
	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "Output format (table, json, yaml)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print roster overview counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}

			svc, err := newServices(commandContext(cmd), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats := svc.registry.Stats()
			return render(cmd.OutOrStdout(), format, stats, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Total\t%d\n", stats.Total)
				fmt.Fprintf(w, "In alert\t%d\n", stats.Alert)
				fmt.Fprintf(w, "On track\t%d\n", stats.OnTrack)
				fmt.Fprintf(w, "Warning\t%d\n", stats.Warning)
				fmt.Fprintf(w, "Pending\t%d\n", stats.Pending)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "Output format (table, json, yaml)")
	return cmd
}

func toListed(c models.ClientRecord, now time.Time) listedClient {
	class := staleness.Classify(c, now)
	return listedClient{
		ID:                c.ID,
		Name:              c.Name,
		Username:          c.Username,
		Manager:           c.Manager,
		DaysSinceLastPost: c.DaysSinceLastPost,
		Tier:              class.Tier.String(),
		Status:            class.Label,
		Followers:         c.Followers,
		Following:         c.Following,
		Posts:             c.Posts,
		EngagementRate:    c.EngagementRate,
		Provenance:        string(c.Provenance),
	}
}

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func render(out io.Writer, format string, v interface{}, table func(w *tabwriter.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	}
}
