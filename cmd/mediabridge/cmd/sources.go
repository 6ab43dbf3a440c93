package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/corey/mediabridge/internal/app"
	"github.com/corey/mediabridge/internal/config"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage media sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources",
	Args:  cobra.NoArgs,
	RunE:  runSourcesList,
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <class> <path>",
	Short: "Add a user source",
	Args:  cobra.ExactArgs(2),
	RunE:  runSourcesAdd,
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <class> <path>",
	Short: "Remove a user source",
	Args:  cobra.ExactArgs(2),
	RunE:  runSourcesRemove,
}

var sourcesClassesCmd = &cobra.Command{
	Use:   "classes",
	Short: "List registered messenger classes",
	Args:  cobra.NoArgs,
	RunE:  runSourcesClasses,
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)
	sourcesCmd.AddCommand(sourcesClassesCmd)
}

func runSourcesList(cmd *cobra.Command, args []string) error {
	s, h, err := openHost(false)
	if err != nil {
		return err
	}
	defer s.close()
	defer h.Close()

	var rows [][]string
	for i, d := range h.Library.Sources() {
		origin := "built-in"
		if d.IsUserAdded {
			origin = "user"
		}
		path, err := d.SourcePath()
		if err != nil {
			path = d.MediaSource
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), d.Class, d.MediaType, path, origin})
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sources configured; add one with: mediabridge sources add <class> <path>")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"#", "Class", "Media", "Path", "Origin"},
		rows,
		[]columnAlignment{alignRight},
	))
	return nil
}

func runSourcesAdd(cmd *cobra.Command, args []string) error {
	path, err := config.ExpandPath(args[1])
	if err != nil {
		return err
	}
	s, h, err := openHost(false)
	if err != nil {
		return err
	}
	defer s.close()
	defer h.Close()

	d, err := h.Library.AddSource(args[0], path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", d)
	return nil
}

func runSourcesRemove(cmd *cobra.Command, args []string) error {
	s, h, err := openHost(false)
	if err != nil {
		return err
	}
	defer s.close()
	defer h.Close()

	d, err := findSource(h.Library, args[0], args[1])
	if err != nil {
		return err
	}
	if err := h.Library.RemoveSource(d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", d)
	return nil
}

func runSourcesClasses(cmd *cobra.Command, args []string) error {
	var rows [][]string
	for _, c := range messenger.Default().Classes() {
		multi := ""
		if c.CreateInstances != nil {
			multi = "yes"
		}
		rows = append(rows, []string{c.Identifier, c.MediaType, c.ParserClassName, c.WorkerServiceIdentifier, multi})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Class", "Media", "Parser", "Worker service", "Multi-library"},
		rows,
		nil,
	))
	return nil
}

// findSource resolves a class and path given on the command line to one of
// the library's configured sources.
func findSource(lib *app.Library, classID, path string) (messenger.Descriptor, error) {
	abs, err := config.ExpandPath(path)
	if err != nil {
		return messenger.Descriptor{}, err
	}
	uri := messenger.SourceURI(abs)
	for _, d := range lib.Sources() {
		if d.Class == classID && d.MediaSource == uri {
			return d, nil
		}
	}
	return messenger.Descriptor{}, fmt.Errorf("%w: %s %s", app.ErrUnknownSource, classID, abs)
}

// navigate walks from a top-level node down the given identifiers,
// populating each node on the way. With no identifiers it returns nil and
// the caller lists the top-level nodes.
func navigate(ctx context.Context, lib *app.Library, d messenger.Descriptor, parserID string, ids []string) (*ports.Node, error) {
	tops, err := lib.TopLevelNodes(ctx, d)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var node *ports.Node
	for _, t := range tops {
		if t.Identifier == ids[0] && (parserID == "" || t.ParserIdentifier == parserID) {
			node = t
			break
		}
	}
	if node == nil {
		return nil, messenger.Errorf(messenger.ErrNotFound, "browse", "no top-level node %q", ids[0])
	}
	for i := 0; ; i++ {
		var populated bool
		if err := lib.ReadTree(d, func() { populated = node.IsPopulated() }); err != nil {
			return nil, err
		}
		if !populated {
			if _, err := lib.PopulateNode(ctx, d, node); err != nil {
				return nil, err
			}
		}
		if i+1 == len(ids) {
			return node, nil
		}
		var next *ports.Node
		if err := lib.ReadTree(d, func() { next = node.Subnode(ids[i+1]) }); err != nil {
			return nil, err
		}
		if next == nil {
			return nil, messenger.Errorf(messenger.ErrNotFound, "browse", "%q has no child %q", node.Identifier, ids[i+1])
		}
		node = next
	}
}
