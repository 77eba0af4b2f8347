package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const statusTimeout = 5 * time.Second

type slotStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Known  bool   `json:"known"`
}

type parkingStatus struct {
	TotalSpaces     int          `json:"total_spaces"`
	AvailableSpaces int          `json:"available_spaces"`
	OccupiedSpaces  int          `json:"occupied_spaces"`
	Stale           bool         `json:"stale"`
	Slots           []slotStatus `json:"slots"`
}

// StatusAction prints the occupancy a server reports.
func StatusAction(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, statusTimeout)
	defer cancel()

	status, err := fetchStatus(ctx, c.String(flagURL))
	if err != nil {
		return err
	}
	printf(c, "%d/%d available", status.AvailableSpaces, status.TotalSpaces)
	if status.Stale {
		//nolint:errcheck
		color.New(color.FgYellow).Fprintln(c.App.Writer, "warning: the server has no fresh frames, occupancy may be out of date")
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"ID", "Status"})
	for _, s := range status.Slots {
		word := s.Status
		if !s.Known {
			word = "unknown"
		}
		t.AppendRow(table.Row{s.ID, word})
	}
	t.Render()
	return nil
}

func fetchStatus(ctx context.Context, baseURL string) (*parkingStatus, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/api/parking/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reach %s", baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("%s returned %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	var status parkingStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.Wrap(err, "malformed status response")
	}
	return &status, nil
}
