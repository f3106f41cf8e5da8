package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vbrowserpool/internal/output"
)

// recordView mirrors the JSON shape of domain.Record as written by the
// assign endpoint, decoded loosely since the daemon owns the wire type.
type recordView struct {
	VMID    string  `json:"VMID"`
	Pool    string  `json:"Pool"`
	RoomID  *string `json:"RoomID"`
	Retries int     `json:"Retries"`
	Data    *struct {
		Host string `json:"Host"`
	} `json:"Data"`
}

func requirePool() error {
	if poolID == "" {
		return fmt.Errorf("--pool is required")
	}
	return nil
}

func assignCmd() *cobra.Command {
	var roomID, uid string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Lease an available VM to a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePool(); err != nil {
				return err
			}
			start := time.Now()
			body, _ := json.Marshal(map[string]string{"room_id": roomID, "uid": uid})
			u := fmt.Sprintf("%s/vbrowsers/assign?pool=%s", serverAddr, url.QueryEscape(poolID))
			resp, err := http.Post(u, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("assign request: %w", err)
			}
			defer resp.Body.Close()

			p := output.NewPrinter(output.ParseFormat(formatStr))
			if resp.StatusCode == http.StatusNoContent {
				p.Warning("room %s has already left", roomID)
				return nil
			}
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("assign failed: %s: %s", resp.Status, string(data))
			}

			var rec recordView
			if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
				return fmt.Errorf("decode assign response: %w", err)
			}
			result := output.AssignResult{
				VMID:       rec.VMID,
				Pool:       rec.Pool,
				RoomID:     roomID,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if rec.Data != nil {
				result.Host = rec.Data.Host
			}
			return p.PrintAssignResult(result)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "Room id requesting a VM")
	cmd.Flags().StringVar(&uid, "uid", "", "Assignee uid")
	return cmd
}

func resetCmd() *cobra.Command {
	var vmid, uid string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Return a used VM to staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePool(); err != nil {
				return err
			}
			u := fmt.Sprintf("%s/vbrowsers/%s/reset?pool=%s&uid=%s",
				serverAddr, url.PathEscape(vmid), url.QueryEscape(poolID), url.QueryEscape(uid))
			resp, err := http.Post(u, "application/json", nil)
			if err != nil {
				return fmt.Errorf("reset request: %w", err)
			}
			defer resp.Body.Close()

			p := output.NewPrinter(output.ParseFormat(formatStr))
			if resp.StatusCode != http.StatusAccepted {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("reset failed: %s: %s", resp.Status, string(data))
			}
			p.Success("reset accepted for %s", vmid)
			return nil
		},
	}
	cmd.Flags().StringVar(&vmid, "vmid", "", "VM to reset")
	cmd.Flags().StringVar(&uid, "uid", "", "Caller's uid, must match the VM's current lease")
	return cmd
}

// listCmd builds the "available" and "staging" subcommands, which both
// hit the same list-by-state shape on the server.
func listCmd(state string) *cobra.Command {
	return &cobra.Command{
		Use:   state,
		Short: fmt.Sprintf("List VMs in the %s state", state),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePool(); err != nil {
				return err
			}
			u := fmt.Sprintf("%s/vbrowsers/%s?pool=%s", serverAddr, state, url.QueryEscape(poolID))
			resp, err := http.Get(u)
			if err != nil {
				return fmt.Errorf("list request: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("list failed: %s: %s", resp.Status, string(data))
			}

			var ids []string
			if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
				return fmt.Errorf("decode list response: %w", err)
			}

			rows := make([]output.VMRow, 0, len(ids))
			for _, id := range ids {
				rows = append(rows, output.VMRow{VMID: id, Pool: poolID, State: state})
			}
			p := output.NewPrinter(output.ParseFormat(formatStr))
			return p.PrintVMs(rows)
		},
	}
}

// statsView mirrors the daemon's /stats snapshot for one pool.
type statsView struct {
	Pools map[string]struct {
		CurrentSize   int `json:"current_size"`
		Available     int `json:"available"`
		Staging       int `json:"staging"`
		LowWatermark  int `json:"low_watermark"`
		HighWatermark int `json:"high_watermark"`
	} `json:"pools"`
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show a pool's sizing snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePool(); err != nil {
				return err
			}
			resp, err := http.Get(serverAddr + "/stats")
			if err != nil {
				return fmt.Errorf("stats request: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("stats failed: %s: %s", resp.Status, string(data))
			}

			var view statsView
			if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
				return fmt.Errorf("decode stats response: %w", err)
			}
			ps, ok := view.Pools[poolID]
			if !ok {
				return fmt.Errorf("pool %q has no stats yet", poolID)
			}
			p := output.NewPrinter(output.ParseFormat(formatStr))
			return p.PrintPoolDetail(output.PoolDetail{
				Pool:        poolID,
				CurrentSize: ps.CurrentSize,
				Available:   ps.Available,
				Staging:     ps.Staging,
				Used:        ps.CurrentSize - ps.Available - ps.Staging,
				LowWater:    ps.LowWatermark,
				HighWater:   ps.HighWatermark,
			})
		},
	}
}
