package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corey/mediabridge/internal/domain/messenger"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every source's worker",
	Long: "Lists the top-level nodes of every configured source, which launches its worker\n" +
		"when needed, and reports the connection state afterwards.",
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	s, h, err := openHost(false)
	if err != nil {
		return err
	}
	defer s.close()
	defer h.Close()

	p := currentPalette()
	ctx := cmd.Context()
	failed := 0
	var rows [][]string
	for _, d := range h.Library.Sources() {
		start := time.Now()
		tops, err := h.Library.TopLevelNodes(ctx, d)
		elapsed := time.Since(start).Round(time.Millisecond)

		state := "unknown"
		if proxy, perr := h.Library.Proxy(d); perr == nil {
			state = proxy.State().String()
		}
		result := p.green(fmt.Sprintf("%d nodes", len(tops)))
		if err != nil {
			failed++
			result = p.yellow(err.Error())
		}
		rows = append(rows, []string{d.Class, d.MediaSource, state, elapsed.String(), result})
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sources configured")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Class", "Source", "State", "Time", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))
	if failed > 0 {
		return messenger.Errorf(messenger.ErrConnection, "health", "%d of %d sources unhealthy", failed, len(rows))
	}
	return nil
}
