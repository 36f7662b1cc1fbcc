package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/strataworks/strata/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Ask the running server to persist its terrain now",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClient().post("/api/snapshot", []byte("{}"))
		if err != nil {
			return err
		}
		var resp struct {
			SnapshotID string `json:"snapshot_id"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		fmt.Printf("snapshot %s written\n", resp.SnapshotID)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [path]",
	Short: "Ask the running server to restore terrain from a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := struct {
			Path string `json:"path,omitempty"`
		}{}
		if len(args) == 1 {
			req.Path = args[0]
		}
		body, _ := json.Marshal(req)
		if _, err := newClient().post("/api/restore", body); err != nil {
			return err
		}
		fmt.Println("restored")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClient().get("/api/stats")
		if err != nil {
			return err
		}
		var st struct {
			Records          int     `json:"records"`
			Fossils          int     `json:"fossils"`
			Mass             float64 `json:"mass"`
			IndexSize        int     `json:"index_size"`
			IndexGenerations int64   `json:"index_generations"`
			LedgerFossils    int     `json:"ledger_fossils"`
			LedgerMembers    int     `json:"ledger_members"`
			LastSnapshotID   string  `json:"last_snapshot_id"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("parse stats: %w", err)
		}
		fmt.Printf("records:   %d (%d fossils)\n", st.Records, st.Fossils)
		fmt.Printf("mass:      %.3f\n", st.Mass)
		fmt.Printf("index:     %d points, generation %d\n", st.IndexSize, st.IndexGenerations)
		fmt.Printf("ledger:    %d fossils, %d absorbed keys\n", st.LedgerFossils, st.LedgerMembers)
		if st.LastSnapshotID != "" {
			fmt.Printf("snapshot:  %s\n", st.LastSnapshotID)
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print the header of a snapshot file without loading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hdr, err := snapshot.InspectFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("grid:        %dx%d\n", hdr.GridSize, hdr.GridSize)
		fmt.Printf("records:     %d\n", hdr.Records)
		fmt.Printf("hypervector: %d bits from %d-dim embeddings (seed %d)\n",
			hdr.Meta.HyperBits, hdr.Meta.EmbeddingDim, hdr.Meta.ProjectionSeed)
		if hdr.LastActive > 0 {
			fmt.Printf("last active: %s\n", time.UnixMilli(hdr.LastActive).Format(time.RFC3339))
		}
		return nil
	},
}
