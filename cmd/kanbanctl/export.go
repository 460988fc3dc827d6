package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CrowderSoup/kanban-sync/models"
)

type exportDoc struct {
	ExportedAt      time.Time `json:"exported_at" yaml:"exported_at"`
	models.Snapshot `yaml:",inline"`
}

func encodeSnapshot(snap models.Snapshot, format string, at time.Time) ([]byte, error) {
	doc := exportDoc{ExportedAt: at.UTC(), Snapshot: snap}
	switch format {
	case "json":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q: use json or yaml", format)
	}
}

// writeExport writes data to path atomically, or to stdout when path is empty.
func writeExport(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func exportCmd(a *app) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a board with its columns and cards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID, err := a.board()
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			snap, err := c.Snapshot(cmd.Context(), boardID)
			if err != nil {
				return err
			}
			data, err := encodeSnapshot(snap, format, time.Now())
			if err != nil {
				return err
			}
			return writeExport(cmd.OutOrStdout(), out, data)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json or yaml)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
