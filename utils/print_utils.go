package utils

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"memscope/pkg/pointer"
	"memscope/pkg/resolver"
	"memscope/pkg/tracer"
)

func PrintStringLine(w io.Writer, s ...string) {
	for _, str := range s {
		fmt.Fprintln(w, str)
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

// PrintPointers renders one row per pointer, numbered from first.
func PrintPointers(w io.Writer, first uint64, ptrs []pointer.Pointer) {
	table := newTable(w, "#", "Base", "Offsets", "Type")
	for i, p := range ptrs {
		base := fmt.Sprintf("%#x", p.Address)
		if p.Module != "" {
			base = fmt.Sprintf("%s+%#x", p.Module, p.Address)
		}
		offsets := make([]string, len(p.Offsets))
		for j, off := range p.Offsets {
			offsets[j] = formatOffset(off)
		}
		table.Append([]string{
			humanize.Comma(int64(first + uint64(i))),
			base,
			strings.Join(offsets, " -> "),
			string(p.DataType),
		})
	}
	table.Render()
}

func formatOffset(off int32) string {
	if off < 0 {
		return fmt.Sprintf("-%#x", -int64(off))
	}
	return fmt.Sprintf("%#x", off)
}

// PrintResults renders trace results in the order given.
func PrintResults(w io.Writer, results []tracer.CodeTraceResult) {
	table := newTable(w, "Address", "Instruction", "Kind", "Thread", "Count")
	for _, r := range results {
		table.Append([]string{
			fmt.Sprintf("%#x", r.Address),
			r.Instruction,
			r.Kind.String(),
			strconv.Itoa(r.ThreadID),
			humanize.Comma(int64(r.Count)),
		})
	}
	table.Render()
}

func PrintModules(w io.Writer, modules []resolver.Module) {
	table := newTable(w, "Name", "Base", "Size", "Path")
	for _, m := range modules {
		table.Append([]string{
			m.Name,
			fmt.Sprintf("%#x", m.Base),
			humanize.IBytes(m.End - m.Base),
			m.Path,
		})
	}
	table.Render()
}

// PrintBytes writes a hex dump of bs starting at addr, 16 bytes per row.
func PrintBytes(w io.Writer, addr uint64, bs []byte) {
	for off := 0; off < len(bs); off += 16 {
		end := off + 16
		if end > len(bs) {
			end = len(bs)
		}
		var hex strings.Builder
		for _, b := range bs[off:end] {
			fmt.Fprintf(&hex, "%02x ", b)
		}
		fmt.Fprintf(w, "%#016x  %-48s\n", addr+uint64(off), hex.String())
	}
}
