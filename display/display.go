// Package display renders classifier output for people. Nothing here is used
// by the classify client itself.
package display

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode"
	"unicode/utf8"

	"github.com/whyrusleeping/predictcam/classify"
)

type Row struct {
	Genus       string `json:"genus" yaml:"genus"`
	Species     string `json:"species" yaml:"species"`
	Probability string `json:"probability" yaml:"probability"`
}

// SplitLabel splits a "genus-species" label on the first hyphen only.
func SplitLabel(label string) (genus, species string) {
	genus, species, _ = strings.Cut(label, "-")
	return upperFirst(genus), species
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

// FormatProbability prints the raw value with a percent sign; the classifier
// is trusted to send whatever scale it wants shown.
func FormatProbability(p float64) string {
	return fmt.Sprintf("%.2f%%", p)
}

func Rows(preds []classify.Prediction) []Row {
	out := make([]Row, 0, len(preds))
	for _, p := range preds {
		genus, species := SplitLabel(p.Label)
		out = append(out, Row{
			Genus:       genus,
			Species:     species,
			Probability: FormatProbability(p.Probability),
		})
	}
	return out
}

func WriteTable(w io.Writer, preds []classify.Prediction) error {
	tw := tabwriter.NewWriter(w, 0, 4, 3, ' ', 0)
	fmt.Fprintln(tw, "GENUS\tSPECIES\tPROB")
	for _, r := range Rows(preds) {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Genus, r.Species, r.Probability)
	}
	return tw.Flush()
}

func FailureMessage(err error) string {
	switch classify.KindOf(err) {
	case classify.KindTimeout:
		return "Upload failed: the classifier did not answer in time"
	case classify.KindConnection:
		return "Upload failed: could not reach the classifier"
	case classify.KindInvalidPayload:
		return "Upload failed: that image can't be sent"
	case classify.KindCanceled:
		return "Upload canceled"
	}
	return "Upload failed: " + err.Error()
}
