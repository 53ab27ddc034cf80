package commands

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/emfacilities/emfac/db"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/probe"
	"github.com/emfacilities/emfac/stream"
	"github.com/emfacilities/emfac/subset"
	"github.com/emfacilities/emfac/sym"
)

// StatusCmd shows what a run directory holds.
var StatusCmd = &cobra.Command{
	Use:   "status <run-dir>",
	Short: sym.Set + " Show the sets, sidecar state and probe logs of a run",
	Long: sym.Set + ` status — Inspect a run directory

Lists the node STATUS, every streaming set with its size and state, the
sidecar bookkeeping of each subset node and the row count of each probe
log. Files are opened read-only, so a running node is not disturbed.

Examples:
  emfac status /data/session42/counter
  emfac status /data/session42/report`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := args[0]
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return errors.Wrapf(errors.ErrNotFound, "run directory %s", dir)
	}
	st, err := host.ReadStatus(dir)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Printf("%s %s", sym.Set, dir)
	pterm.Info.Printf("Node status: %s\n", st)

	sets, err := setRows(dir)
	if err != nil {
		return err
	}
	if len(sets) > 1 {
		pterm.DefaultSection.WithLevel(2).Println("Streaming sets")
		if err := pterm.DefaultTable.WithHasHeader().WithData(sets).Render(); err != nil {
			return err
		}
	}

	nodes, err := sidecarRows(dir)
	if err != nil {
		return err
	}
	if len(nodes) > 1 {
		pterm.DefaultSection.WithLevel(2).Println("Sidecar")
		if err := pterm.DefaultTable.WithHasHeader().WithData(nodes).Render(); err != nil {
			return err
		}
	}

	logs, err := probeRows(cmd.Context(), dir)
	if err != nil {
		return err
	}
	if len(logs) > 1 {
		pterm.DefaultSection.WithLevel(2).Println("Probe logs")
		if err := pterm.DefaultTable.WithHasHeader().WithData(logs).Render(); err != nil {
			return err
		}
	}
	return nil
}

// setRows lists every streaming set file in dir. Sidecar and job stores
// share the extension and are skipped.
func setRows(dir string) (pterm.TableData, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sqlite"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	rows := pterm.TableData{{"Set", "Kind", "Size", "State"}}
	for _, p := range paths {
		base := filepath.Base(p)
		if base == subset.SidecarFile || base == JobsFile {
			continue
		}
		s, err := stream.OpenSQLite(p, "", stream.ModeRead, nil)
		if err != nil {
			rows = append(rows, []string{base, "?", "?", pterm.Red(err.Error())})
			continue
		}
		size, err := s.Size()
		state, serr := s.State()
		s.Close()
		if err == nil {
			err = serr
		}
		if err != nil {
			rows = append(rows, []string{s.Name(), string(s.Kind()), "?", pterm.Red(err.Error())})
			continue
		}
		rows = append(rows, []string{s.Name(), string(s.Kind()), strconv.Itoa(size), state.String()})
	}
	return rows, nil
}

func sidecarRows(dir string) (pterm.TableData, error) {
	rows := pterm.TableData{{"Node", "Inserted", "Processed", "Emitted", "Seals", "Latches"}}
	handle, err := db.OpenReadOnly(filepath.Join(dir, subset.SidecarFile), nil)
	if errors.IsNotFoundError(err) {
		return rows, nil
	}
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	names, err := subset.Nodes(handle)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		snap, err := subset.NewSidecar(handle, n).Snapshot()
		if err != nil {
			return nil, errors.Wrapf(err, "read sidecar of %s", n)
		}
		var latches []string
		if snap.LimitReached {
			latches = append(latches, "limit_reached")
		}
		if snap.TimedOut {
			latches = append(latches, "timed_out")
		}
		rows = append(rows, []string{
			n,
			strconv.Itoa(snap.Inserted),
			strconv.Itoa(snap.Processed),
			strconv.Itoa(snap.Emitted),
			strconv.FormatInt(snap.Seals, 10),
			strings.Join(latches, ","),
		})
	}
	return rows, nil
}

func probeRows(ctx context.Context, dir string) (pterm.TableData, error) {
	rows := pterm.TableData{{"Probe", "Rows", "Untransferred", "Path"}}
	for _, table := range []string{probe.TableCTF, probe.TableGain, probe.TableSystem} {
		path := probe.LogPath(dir, table)
		l, err := probe.OpenLog(path, table, nil)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := l.Count(ctx)
		if err != nil {
			l.Close()
			return nil, err
		}
		pending, err := l.Untransferred(ctx, 0)
		l.Close()
		if err != nil {
			return nil, err
		}
		rows = append(rows, []string{table, strconv.Itoa(n), strconv.Itoa(len(pending)), path})
	}
	return rows, nil
}
