package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/media"
)

type slotInfo struct {
	Index      int    `json:"index"`
	Key        string `json:"key"`
	Game       string `json:"game"`
	Name       string `json:"name"`
	Format     string `json:"format"`
	Size       int    `json:"size"`
	Region     string `json:"region,omitempty"`
	PlayTime   string `json:"playTime,omitempty"`
	TimesSaved uint32 `json:"timesSaved,omitempty"`
	ChecksumOK *bool  `json:"checksumOk,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

func describeSlot(slot media.SaveSlot, key string) slotInfo {
	info := slotInfo{
		Index:   slot.Index,
		Key:     key,
		Game:    slot.Game().String(),
		Name:    slot.Name,
		Format:  slot.Format().String(),
		Size:    len(slot.Payload),
		Comment: slot.Comment,
	}
	if md := slot.Metadata; md != nil {
		ok := md.ChecksumOK
		info.Region = md.Region.String()
		info.PlayTime = md.PlayTime.Truncate(time.Second).String()
		info.TimesSaved = md.TimesSaved
		info.ChecksumOK = &ok
	}
	return info
}

func NewInspectCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the save slots on an image.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.openImage(cmd.Context())
			if err != nil {
				return err
			}
			slots, err := m.Slots()
			if err != nil {
				return err
			}
			infos := make([]slotInfo, 0, len(slots))
			for i, key := range media.Keys(slots) {
				infos = append(infos, describeSlot(slots[i], key))
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			return printSlots(cmd.OutOrStdout(), m.Name(), m.Format(), infos)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print slots as JSON")
	return cmd
}

func printSlots(w io.Writer, name string, format media.Format, infos []slotInfo) error {
	fmt.Fprintf(w, "%s (%s), %d slot(s)\n", name, format, len(infos))
	if len(infos) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tKEY\tFORMAT\tSIZE\tPLAY TIME\tSAVES\tCHECKSUM")
	for _, info := range infos {
		checksum := "-"
		if info.ChecksumOK != nil {
			checksum = "bad"
			if *info.ChecksumOK {
				checksum = "ok"
			}
		}
		playTime := info.PlayTime
		if playTime == "" {
			playTime = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%s\n", info.Index, info.Key, info.Format, info.Size, playTime, info.TimesSaved, checksum)
	}
	return tw.Flush()
}
