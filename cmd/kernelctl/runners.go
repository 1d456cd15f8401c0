package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mello-os/kernel/internal/hostlog"
	"github.com/mello-os/kernel/internal/imgbuild"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func runRoot(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		cmd.Help()
		os.Exit(0)
	}
}

func runBuild(cmd *cobra.Command, args []string) {
	fs := cmd.Flags()
	kernelELF, _ := fs.GetString(kernelFlag)
	boot, _ := fs.GetString(bootFlag)
	out, _ := fs.GetString(outFlag)

	log := hostlog.New(false)
	b := imgbuild.New(log)
	if err := b.Build(context.Background(), imgbuild.Config{
		KernelELF:   kernelELF,
		BootStage:   boot,
		OutputImage: out,
	}); err != nil {
		fail(err)
	}
}

func runRun(cmd *cobra.Command, args []string) {
	fs := cmd.Flags()
	image, _ := fs.GetString(imageFlag)
	verbose, _ := fs.GetBool(verboseFlag)

	log := hostlog.New(verbose)

	if restore, err := rawTerminal(os.Stdin); err == nil {
		defer restore()
	} else {
		log.Info("could not set raw terminal mode, serial output may echo oddly", "error", err.Error())
	}

	b := imgbuild.New(log)
	if err := b.RunQEMU(context.Background(), image); err != nil {
		fail(err)
	}
}

// taskRow mirrors one line of internal/procfs.Reader.TaskLines output:
// "pid tid pgid sid state priority name".
type taskRow struct {
	PID      string `json:"pid"`
	TID      string `json:"tid"`
	PGID     string `json:"pgid"`
	SID      string `json:"sid"`
	State    string `json:"state"`
	Priority string `json:"priority"`
	Name     string `json:"name"`
}

func runProcdump(cmd *cobra.Command, args []string) {
	fs := cmd.Flags()
	serialPath, _ := fs.GetString(serialFlag)
	out, _ := fs.GetString(outputFlag)

	var r io.Reader = os.Stdin
	if serialPath != "" {
		f, err := os.Open(serialPath)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		r = f
	}

	rows, err := parseTaskSnapshot(r)
	if err != nil {
		fail(err)
	}

	switch resolveOutputType(out) {
	case jsonOut:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			fail(err)
		}
	default:
		fmt.Print(renderTaskTable(rows))
	}
}

func runLog(cmd *cobra.Command, args []string) {
	fs := cmd.Flags()
	serialPath, _ := fs.GetString(serialFlag)

	var r io.Reader = os.Stdin
	if serialPath != "" {
		f, err := os.Open(serialPath)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		r = f
	}

	if _, err := io.Copy(os.Stdout, r); err != nil {
		fail(err)
	}
}

// parseTaskSnapshot reads the text format internal/procfs.Reader.TaskTable
// emits over the serial console (header line, then one space-separated
// row per task) and decodes it into structured rows.
func parseTaskSnapshot(r io.Reader) ([]taskRow, error) {
	scanner := bufio.NewScanner(r)
	var rows []taskRow
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if strings.HasPrefix(line, "PID ") {
				continue
			}
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, fmt.Errorf("kernelctl: malformed task snapshot line: %q", line)
		}
		rows = append(rows, taskRow{
			PID:      fields[0],
			TID:      fields[1],
			PGID:     fields[2],
			SID:      fields[3],
			State:    fields[4],
			Priority: fields[5],
			Name:     strings.Join(fields[6:], " "),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func renderTaskTable(rows []taskRow) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"PID", "TID", "PGID", "SID", "STATE", "PRIORITY", "NAME"})
	for _, r := range rows {
		table.Append([]string{r.PID, r.TID, r.PGID, r.SID, r.State, r.Priority, r.Name})
	}
	table.Render()
	return buf.String()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
