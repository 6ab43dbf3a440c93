package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/corey/mediabridge/internal/app"
	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

var (
	flagObjectParser string
	flagThumbOutput  string
	flagOpenOutput   string
	flagObjectMenu   bool
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Inspect or open a media object",
}

var objectMetadataCmd = &cobra.Command{
	Use:   "metadata <class> <path> <node-id...> <object-id>",
	Short: "Print an object's metadata",
	Args:  cobra.MinimumNArgs(4),
	RunE:  runObjectMetadata,
}

var objectThumbnailCmd = &cobra.Command{
	Use:   "thumbnail <class> <path> <node-id...> <object-id>",
	Short: "Write an object's thumbnail",
	Args:  cobra.MinimumNArgs(4),
	RunE:  runObjectThumbnail,
}

var objectOpenCmd = &cobra.Command{
	Use:   "open <class> <path> <node-id...> <object-id>",
	Short: "Copy an object's file through a worker bookmark",
	Args:  cobra.MinimumNArgs(4),
	RunE:  runObjectOpen,
}

func init() {
	for _, c := range []*cobra.Command{objectMetadataCmd, objectThumbnailCmd, objectOpenCmd} {
		c.Flags().StringVar(&flagObjectParser, "parser", "", "parser identifier of the top-level node (multi-library sources)")
		objectCmd.AddCommand(c)
	}
	objectMetadataCmd.Flags().BoolVar(&flagObjectMenu, "menu", false, "print the object's context menu")
	objectThumbnailCmd.Flags().StringVarP(&flagThumbOutput, "output", "o", "", "output file (required)")
	_ = objectThumbnailCmd.MarkFlagRequired("output")
	objectOpenCmd.Flags().StringVarP(&flagOpenOutput, "output", "o", "-", "output file, - for stdout")
}

// objectTarget is an object resolved from the command line.
type objectTarget struct {
	session *session
	host    *app.Host
	desc    messenger.Descriptor
	object  *ports.Object
}

func (t *objectTarget) close() {
	t.host.Close()
	t.session.close()
}

func resolveObject(ctx context.Context, args []string) (*objectTarget, error) {
	s, h, err := openHost(false)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*objectTarget, error) {
		h.Close()
		s.close()
		return nil, err
	}
	d, err := findSource(h.Library, args[0], args[1])
	if err != nil {
		return fail(err)
	}
	nodeIDs, objectID := args[2:len(args)-1], args[len(args)-1]
	node, err := navigate(ctx, h.Library, d, flagObjectParser, nodeIDs)
	if err != nil {
		return fail(err)
	}
	for _, obj := range node.Objects {
		if obj.Identifier == objectID {
			return &objectTarget{session: s, host: h, desc: d, object: obj}, nil
		}
	}
	return fail(messenger.Errorf(messenger.ErrNotFound, "object", "%q has no object %q", node.Identifier, objectID))
}

func runObjectMetadata(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	t, err := resolveObject(ctx, args)
	if err != nil {
		return err
	}
	defer t.close()

	obj, err := t.host.Library.LoadMetadata(ctx, t.desc, t.object)
	if err != nil {
		return err
	}
	p := currentPalette()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", p.bold(obj.Name), p.gray(obj.Location))
	if obj.MetadataDescription != "" {
		fmt.Fprintln(out, obj.MetadataDescription)
	}
	keys := make([]string, 0, len(obj.Metadata))
	for k := range obj.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, obj.Metadata[k]})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Key", "Value"}, rows, nil))
	}
	if flagObjectMenu {
		proxy, err := t.host.Library.Proxy(t.desc)
		if err != nil {
			return err
		}
		fmt.Fprint(out, formatMenu(p, proxy.ContextMenuForObject(obj)))
	}
	return nil
}

func runObjectThumbnail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	t, err := resolveObject(ctx, args)
	if err != nil {
		return err
	}
	defer t.close()

	if err := t.host.Library.LoadThumbnails(ctx, t.desc, []*ports.Object{t.object}); err != nil {
		return err
	}
	if len(t.object.Thumbnail) == 0 {
		return messenger.Errorf(messenger.ErrNotFound, "thumbnail", "%q has no thumbnail", t.object.Identifier)
	}
	if err := os.WriteFile(flagThumbOutput, t.object.Thumbnail, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %s)\n", flagThumbOutput, t.object.ThumbnailType,
		humanize.Bytes(uint64(len(t.object.Thumbnail))))
	return nil
}

func runObjectOpen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	t, err := resolveObject(ctx, args)
	if err != nil {
		return err
	}
	defer t.close()

	f, err := t.host.Library.OpenObject(ctx, t.desc, t.object)
	if err != nil {
		return err
	}
	defer f.Close()

	var dst io.Writer = cmd.OutOrStdout()
	if flagOpenOutput != "-" && strings.TrimSpace(flagOpenOutput) != "" {
		out, err := os.Create(flagOpenOutput)
		if err != nil {
			return err
		}
		defer out.Close()
		dst = out
	}
	n, err := io.Copy(dst, f)
	if err != nil {
		return err
	}
	if flagOpenOutput != "-" {
		fmt.Fprintf(os.Stderr, "copied %s to %s\n", humanize.Bytes(uint64(n)), flagOpenOutput)
	}
	return nil
}
