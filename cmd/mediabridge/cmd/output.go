package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/corey/mediabridge/internal/domain/messenger"
	"github.com/corey/mediabridge/internal/ports"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// palette renders colors only when enabled.
type palette struct{ on bool }

func (p palette) wrap(code, s string) string {
	if !p.on {
		return s
	}
	return code + s + colorReset
}

func (p palette) bold(s string) string   { return p.wrap(colorBold, s) }
func (p palette) cyan(s string) string   { return p.wrap(colorCyan, s) }
func (p palette) green(s string) string  { return p.wrap(colorGreen, s) }
func (p palette) yellow(s string) string { return p.wrap(colorYellow, s) }
func (p palette) gray(s string) string   { return p.wrap(colorGray, s) }

func currentPalette() palette {
	return palette{on: resolveColor(flagColor, flagNoColor)}
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// formatNode renders a populated node: its header view, subnodes, objects
// and footer view.
//
//	▸ Pictures  [folder.images]  view:folder-summary
//	  ▸ Trip/
//	  • a.png  12 kB
func formatNode(p palette, proxy *messenger.Proxy, node *ports.Node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s  %s", p.bold("▸"), p.bold(node.Name), p.gray("["+node.ParserIdentifier+"]"))
	if view, ok := proxy.CustomView(messenger.HeaderView, node); ok {
		fmt.Fprintf(&sb, "  %s", p.yellow("header:"+view))
	}
	sb.WriteString("\n")

	for _, sub := range node.Subnodes {
		suffix := "/"
		if sub.IsLeaf {
			suffix = ""
		}
		fmt.Fprintf(&sb, "  %s %s%s  %s\n", p.cyan("▸"), sub.Name, suffix, p.gray(sub.Identifier))
	}
	for _, obj := range node.Objects {
		fmt.Fprintf(&sb, "  • %s  %s", obj.Name, p.gray(obj.Identifier))
		if len(obj.Thumbnail) > 0 {
			fmt.Fprintf(&sb, "  %s", p.green("thumb "+humanize.Bytes(uint64(len(obj.Thumbnail)))))
		}
		sb.WriteString("\n")
	}
	if len(node.Subnodes) == 0 && len(node.Objects) == 0 {
		sb.WriteString(p.gray("  (empty)") + "\n")
	}

	if view, ok := proxy.CustomView(messenger.FooterView, node); ok {
		fmt.Fprintf(&sb, "  %s\n", p.yellow("footer:"+view))
	}
	if len(node.Attributes) > 0 {
		keys := make([]string, 0, len(node.Attributes))
		for k := range node.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+node.Attributes[k])
		}
		fmt.Fprintf(&sb, "  %s\n", p.gray(strings.Join(parts, " ")))
	}
	return sb.String()
}

// formatMenu renders context menu entries, disabled ones grayed out.
func formatMenu(p palette, items []messenger.MenuItem) string {
	var sb strings.Builder
	for _, it := range items {
		line := fmt.Sprintf("  [%s] %s", it.Command, it.Title)
		if !it.Enabled {
			line = p.gray(line)
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}
