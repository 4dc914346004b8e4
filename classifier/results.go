// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// FormatProbabilities formats the probabilities (shaped [batchSize, numClasses]) one example per line.
func FormatProbabilities(probs *tensors.Tensor) string {
	values := tensors.MustCopyFlatData[float32](probs)
	dims := probs.Shape().Dimensions
	numClasses := dims[len(dims)-1]
	var sb strings.Builder
	for exampleIdx := range len(values) / numClasses {
		if exampleIdx > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[")
		for classIdx, p := range values[exampleIdx*numClasses : (exampleIdx+1)*numClasses] {
			if classIdx > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%.4f", p)
		}
		sb.WriteString("]")
	}
	return sb.String()
}

// ResultsTable returns a table with the most probable class of each example, and its probability.
// If styled is true, the header is bold and reversed.
func ResultsTable(probs *tensors.Tensor, classNames []string, styled bool) string {
	values := tensors.MustCopyFlatData[float32](probs)
	dims := probs.Shape().Dimensions
	numClasses := dims[len(dims)-1]

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := cellStyle
	if styled {
		headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Example", "Class", "Probability")
	for exampleIdx := range len(values) / numClasses {
		exampleProbs := values[exampleIdx*numClasses : (exampleIdx+1)*numClasses]
		best := 0
		for classIdx, p := range exampleProbs {
			if p > exampleProbs[best] {
				best = classIdx
			}
		}
		className := fmt.Sprintf("#%d", best)
		if best < len(classNames) {
			className = classNames[best]
		}
		table.Row(fmt.Sprintf("%d", exampleIdx), className, fmt.Sprintf("%.2f%%", 100*exampleProbs[best]))
	}
	return table.Render()
}

// PrintResults prints the inference results to out: the raw probabilities followed by a table with the
// most probable class of each example. Styles are only used if out is a terminal that supports them.
func PrintResults(out io.Writer, probs *tensors.Tensor, classNames []string) error {
	styled := termenv.NewOutput(out).Profile != termenv.Ascii
	_, err := fmt.Fprintf(out, "infer results: %s\n%s\n", FormatProbabilities(probs), ResultsTable(probs, classNames, styled))
	return errors.Wrap(err, "failed to print inference results")
}

// DescribeParams returns a one-line human-readable description of the parameters.
func DescribeParams(p *Params) string {
	desc := fmt.Sprintf("%s parameters in %d variables (%s)",
		humanize.Comma(int64(p.NumParameters())), p.ctx.NumVariables(), humanize.IBytes(uint64(p.ctx.Memory())))
	if runID := p.RunID(); runID != "" {
		desc += ", run " + runID
	}
	return desc
}
