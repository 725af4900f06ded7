package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPoolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "List pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pools []map[string]any
			if err := getJSON("/v1/pools", &pools); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tVOLS\tMAX\tRECYCLE\tAUTOPRUNE")
			for _, p := range pools {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
					p["name"], p["pool_type"], p["num_vols"], p["max_vols"], p["recycle"], p["auto_prune"])
			}
			return w.Flush()
		},
	}
}

func newVolumesCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "volumes <pool>",
		Aliases: []string{"list"},
		Short:   "List the volumes of a pool",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/pools/" + pathEscape(args[0]) + "/volumes"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var vols []map[string]any
			if err := getJSON(path, &vols); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VOLUME\tSTATUS\tENABLED\tJOBS\tSIZE\tLAST_WRITTEN")
			for _, v := range vols {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
					v["volume"], v["status"], v["enabled"], v["vol_jobs"], v["vol_size"], v["last_written"])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only volumes with this status")
	return cmd
}

func newVolumeCmd() *cobra.Command {
	volumeCmd := &cobra.Command{
		Use:   "volume",
		Short: "Inspect and administer a volume",
	}

	volumeCmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a volume's catalog record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(apiGet("/v1/volumes/" + pathEscape(args[0])))
		},
	})

	var enabled string
	updateCmd := &cobra.Command{
		Use:   "update <name> <status>",
		Short: "Set a volume's status",
		Long: `Set a volume's status and optionally its enabled state.

The enabled state is one of yes, no or archived. Archived volumes are
never pruned, purged or recycled.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"status": args[1]}
			if enabled != "" {
				body["enabled"] = enabled
			}
			return printJSON(apiPost("/v1/volumes/"+pathEscape(args[0])+"/status", body))
		},
	}
	updateCmd.Flags().StringVar(&enabled, "enabled", "", "enabled state: yes, no or archived")
	volumeCmd.AddCommand(updateCmd)

	volumeCmd.AddCommand(&cobra.Command{
		Use:   "prune <name>",
		Short: "Prune expired jobs from a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(apiPost("/v1/volumes/"+pathEscape(args[0])+"/prune", nil))
		},
	})
	volumeCmd.AddCommand(&cobra.Command{
		Use:   "purge <name>",
		Short: "Purge every job from a volume regardless of retention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(apiPost("/v1/volumes/"+pathEscape(args[0])+"/purge", nil))
		},
	})
	return volumeCmd
}

func newLabelCmd() *cobra.Command {
	var req struct {
		Volume    string `json:"volume"`
		OldName   string `json:"old_name,omitempty"`
		Pool      string `json:"pool"`
		Storage   string `json:"storage"`
		MediaType string `json:"media_type,omitempty"`
		Slot      int    `json:"slot,omitempty"`
		Drive     int    `json:"drive,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "label <volume>",
		Short: "Label or relabel a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Volume = args[0]
			var resp struct {
				Output []string `json:"output"`
			}
			if err := postJSON("/v1/label", req, &resp); err != nil {
				return err
			}
			for _, line := range resp.Output {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Pool, "pool", "", "pool of the new volume")
	cmd.Flags().StringVar(&req.Storage, "storage", "", "storage holding the volume")
	cmd.Flags().StringVar(&req.OldName, "relabel", "", "existing volume name to relabel")
	cmd.Flags().StringVar(&req.MediaType, "media-type", "", "media type, defaults to the storage's")
	cmd.Flags().IntVar(&req.Slot, "slot", 0, "autochanger slot")
	cmd.Flags().IntVar(&req.Drive, "drive", 0, "autochanger drive")
	cmd.MarkFlagRequired("pool")
	cmd.MarkFlagRequired("storage")
	return cmd
}

func newLabelBarcodesCmd() *cobra.Command {
	var req struct {
		Pool      string `json:"pool"`
		Storage   string `json:"storage"`
		MediaType string `json:"media_type,omitempty"`
		Drive     int    `json:"drive,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "label-barcodes",
		Short: "Label every unknown barcode in an autochanger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Results []struct {
					Slot    int    `json:"slot"`
					Barcode string `json:"barcode"`
					Status  string `json:"status"`
					Error   string `json:"error"`
				} `json:"results"`
			}
			if err := postJSON("/v1/label/barcodes", req, &resp); err != nil {
				return err
			}
			for _, r := range resp.Results {
				fmt.Printf("%4d  %-12s %s %s\n", r.Slot, r.Barcode, r.Status, r.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Pool, "pool", "", "pool for the new volumes")
	cmd.Flags().StringVar(&req.Storage, "storage", "", "autochanger storage")
	cmd.Flags().StringVar(&req.MediaType, "media-type", "", "media type, defaults to the storage's")
	cmd.Flags().IntVar(&req.Drive, "drive", 0, "drive used for labeling")
	cmd.MarkFlagRequired("pool")
	cmd.MarkFlagRequired("storage")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devs []map[string]any
			if err := getJSON("/v1/devices", &devs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMEDIA_TYPE\tVOLUME\tBLOCKED\tBACKEND\tVOLUMES\tSIZE")
			for _, d := range devs {
				backend, _ := d["backend"].(map[string]any)
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
					d["name"], d["media_type"], d["volume"], d["blocked"], backend["backend"], backend["volumes"], d["size"])
			}
			return w.Flush()
		},
	}
}
