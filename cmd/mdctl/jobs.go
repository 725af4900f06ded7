package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	var client, pool string
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List catalog jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if client != "" {
				q.Set("client", client)
			}
			if pool != "" {
				q.Set("pool", pool)
			}
			path := "/v1/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var jobs []map[string]any
			if err := getJSON(path, &jobs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOBID\tJOB\tTYPE\tLEVEL\tSTATUS\tFILES\tBYTES")
			for _, j := range jobs {
				bytes, _ := j["job_bytes"].(float64)
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%s\n",
					j["job_id"], j["job"], j["type"], j["level"], j["status"], j["job_files"], humanize.Bytes(uint64(bytes)))
			}
			return w.Flush()
		},
	}
	jobsCmd.Flags().StringVar(&client, "client", "", "only jobs of this client")
	jobsCmd.Flags().StringVar(&pool, "pool", "", "only jobs written to this pool")

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "running",
		Short: "List running jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []map[string]any
			if err := getJSON("/v1/jobs/running", &jobs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOBID\tJOB\tCLIENT\tPOOL\tSTATUS")
			for _, j := range jobs {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", j["job_id"], j["job"], j["client"], j["pool"], j["status"])
			}
			return w.Flush()
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "messages <jobid>",
		Short: "Show the messages of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			var resp struct {
				Messages []string `json:"messages"`
			}
			if err := getJSON("/v1/jobs/"+args[0]+"/messages", &resp); err != nil {
				return err
			}
			for _, m := range resp.Messages {
				fmt.Println(m)
			}
			return nil
		},
	})

	var req struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Level    string `json:"level,omitempty"`
		Client   string `json:"client"`
		Pool     string `json:"pool"`
		Storage  string `json:"storage,omitempty"`
		Priority int    `json:"priority,omitempty"`
	}
	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Queue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			return printJSON(apiPost("/v1/jobs", req))
		},
	}
	runCmd.Flags().StringVar(&req.Type, "type", "B", "job type code")
	runCmd.Flags().StringVar(&req.Level, "level", "F", "job level code")
	runCmd.Flags().StringVar(&req.Client, "client", "", "client name")
	runCmd.Flags().StringVar(&req.Pool, "pool", "", "pool name")
	runCmd.Flags().StringVar(&req.Storage, "storage", "", "storage, defaults to the pool's")
	runCmd.Flags().IntVar(&req.Priority, "priority", 10, "lower runs first")
	runCmd.MarkFlagRequired("client")
	runCmd.MarkFlagRequired("pool")
	jobsCmd.AddCommand(runCmd)

	var finish struct {
		Status string `json:"status"`
		Files  uint32 `json:"files"`
		Bytes  uint64 `json:"bytes"`
	}
	finishCmd := &cobra.Command{
		Use:   "finish <jobid>",
		Short: "Record the outcome of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(apiPost("/v1/jobs/"+pathEscape(args[0])+"/finish", finish))
		},
	}
	finishCmd.Flags().StringVar(&finish.Status, "status", "T", "job status code")
	finishCmd.Flags().Uint32Var(&finish.Files, "files", 0, "files written")
	finishCmd.Flags().Uint64Var(&finish.Bytes, "bytes", 0, "bytes written")
	jobsCmd.AddCommand(finishCmd)

	return jobsCmd
}
