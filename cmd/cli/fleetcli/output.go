package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-fleet/pkg/domain"
)

func printGroups(w io.Writer, groups []domain.GroupStatus, format string) error {
	if format != "table" {
		return printStructured(w, groups, format)
	}
	if len(groups) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No groups loaded"))
		return nil
	}

	t := newTable(w)
	t.AppendHeader(header("Group", "Type", "Servers", "Manual", "Min", "Max", "Players", "Utilization", "Scaling"))
	for _, group := range groups {
		t.AppendRow(table.Row{
			group.Name,
			group.ScalingType,
			group.AutoServers,
			group.ManualServers,
			group.MinServers,
			formatMax(group.MaxServers),
			group.OnlinePlayers,
			fmt.Sprintf("%.0f%%", group.Utilization*100),
			formatPaused(group.Paused, group.PendingRemovals),
		})
	}
	t.Render()
	return nil
}

func printServers(w io.Writer, servers []domain.ServerInfo, format string) error {
	if format != "table" {
		return printStructured(w, servers, format)
	}
	if len(servers) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No servers found"))
		return nil
	}

	t := newTable(w)
	t.AppendHeader(header("Name", "Group", "Status", "Address", "Players", "Manual", "Uptime"))
	for _, server := range servers {
		t.AppendRow(table.Row{
			server.Name,
			server.Group,
			formatStatus(server.Status),
			fmt.Sprintf("%s:%d", server.Address, server.Port),
			fmt.Sprintf("%d/%d", server.OnlinePlayers, server.MaxPlayers),
			server.ManuallyScaled,
			formatUptime(server.CreatedAt),
		})
	}
	t.AppendFooter(table.Row{"Total", len(servers)})
	t.Render()
	return nil
}

func printStructured(w io.Writer, value interface{}, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(value)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func header(columns ...string) table.Row {
	row := make(table.Row, len(columns))
	for i, column := range columns {
		row[i] = text.FgHiCyan.Sprint(strings.ToUpper(column))
	}
	return row
}

func formatMax(max int) string {
	if max == domain.UnlimitedServers {
		return "unlimited"
	}
	return fmt.Sprint(max)
}

func formatPaused(paused bool, pendingRemovals int) string {
	state := text.FgGreen.Sprint("active")
	if paused {
		state = text.FgYellow.Sprint("paused")
	}
	if pendingRemovals > 0 {
		state += fmt.Sprintf(" (%d removing)", pendingRemovals)
	}
	return state
}

func formatStatus(status domain.ServerStatus) string {
	switch status {
	case domain.ServerStatusRunning:
		return text.FgGreen.Sprint(string(status))
	case domain.ServerStatusStarting:
		return text.FgYellow.Sprint(string(status))
	case domain.ServerStatusError:
		return text.FgRed.Sprint(string(status))
	default:
		return text.FgHiBlack.Sprint(string(status))
	}
}

func formatUptime(createdAt int64) string {
	if createdAt <= 0 {
		return text.FgHiBlack.Sprint("-")
	}
	return time.Since(time.UnixMilli(createdAt)).Truncate(time.Second).String()
}
