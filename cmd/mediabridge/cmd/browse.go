package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

var (
	flagBrowseParser     string
	flagBrowseReload     bool
	flagBrowseThumbnails bool
	flagBrowseMenu       bool
	flagBrowseWatch      bool
)

var browseCmd = &cobra.Command{
	Use:   "browse <class> <path> [node-id...]",
	Short: "List a source's nodes",
	Long: "Without node identifiers, lists the source's top-level nodes. Otherwise populates\n" +
		"each node on the path from a top-level node down and prints the last one.",
	Args: cobra.MinimumNArgs(2),
	RunE: runBrowse,
}

func init() {
	f := browseCmd.Flags()
	f.StringVar(&flagBrowseParser, "parser", "", "parser identifier of the top-level node (multi-library sources)")
	f.BoolVar(&flagBrowseReload, "reload", false, "reload the node from the source before printing")
	f.BoolVar(&flagBrowseThumbnails, "thumbnails", false, "load thumbnails of the node's objects")
	f.BoolVar(&flagBrowseMenu, "menu", false, "print the node's context menu")
	f.BoolVar(&flagBrowseWatch, "watch", false, "keep running and reprint when the source changes")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	s, h, err := openHost(flagBrowseWatch)
	if err != nil {
		return err
	}
	defer s.close()
	defer h.Close()

	d, err := findSource(h.Library, args[0], args[1])
	if err != nil {
		return err
	}
	proxy, err := h.Library.Proxy(d)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	p := currentPalette()
	out := cmd.OutOrStdout()

	show := func() error {
		node, err := navigate(ctx, h.Library, d, flagBrowseParser, args[2:])
		if err != nil {
			return err
		}
		if node == nil {
			tops, err := h.Library.TopLevelNodes(ctx, d)
			if err != nil {
				return err
			}
			var rows [][]string
			err = h.Library.ReadTree(d, func() {
				for _, t := range tops {
					rows = append(rows, []string{t.Identifier, t.Name, t.ParserIdentifier})
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderTable([]string{"Node", "Name", "Parser"}, rows, nil))
			return nil
		}
		if flagBrowseReload {
			if _, err := h.Library.ReloadNodeTree(ctx, d, node); err != nil {
				return err
			}
		}
		if flagBrowseThumbnails {
			var objs []*ports.Object
			if err := h.Library.ReadTree(d, func() { objs = append(objs, node.Objects...) }); err != nil {
				return err
			}
			if err := h.Library.LoadThumbnails(ctx, d, objs); err != nil {
				return err
			}
		}
		return h.Library.ReadTree(d, func() {
			fmt.Fprint(out, formatNode(p, proxy, node))
			if flagBrowseMenu {
				fmt.Fprint(out, formatMenu(p, proxy.ContextMenuForNode(node)))
			}
		})
	}

	if err := show(); err != nil {
		return err
	}
	if !flagBrowseWatch {
		return nil
	}
	changes := make(chan struct{}, 1)
	h.Library.SetOnReload(func(changed messenger.Descriptor) {
		if changed.Equal(d) {
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	})
	fmt.Fprintln(os.Stderr, p.gray("watching for changes, ctrl-c to stop"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			fmt.Fprintln(out)
			if err := show(); err != nil {
				return err
			}
		}
	}
}
