package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tabdriver/internal/dom"
	"tabdriver/internal/locator"
	"tabdriver/internal/recorder"
	"tabdriver/internal/selector"
)

var (
	queryArg   string
	targetCSS  string
	jsonOutput bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <html-file>",
	Short: "Resolve a selector query against a static HTML document",
	Long: `Resolve evaluates a QueryInfo (YAML or JSON, from a file or inline) against
an HTML file and prints each matched node's CSS path, followed by the
selectors that explain the match.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize <html-file>",
	Short: "Synthesize a unique selector query for a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runSynthesize,
}

func init() {
	resolveCmd.Flags().StringVarP(&queryArg, "query", "q", "", "QueryInfo file, '-' for stdin, or inline YAML/JSON")
	resolveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	_ = resolveCmd.MarkFlagRequired("query")

	synthesizeCmd.Flags().StringVarP(&targetCSS, "target", "t", "", "CSS selector of the node to describe (first match)")
	synthesizeCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the descriptor as JSON")
	_ = synthesizeCmd.MarkFlagRequired("target")
}

func loadDocument(path string) (*dom.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return dom.Parse(f)
}

// loadQuery reads arg as a file when one exists, stdin for "-", and as
// inline YAML otherwise. JSON is valid YAML, so both forms parse.
func loadQuery(arg string, stdin io.Reader) (selector.QueryInfo, error) {
	var data []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return selector.QueryInfo{}, fmt.Errorf("read query: %w", err)
		}
		data = b
	default:
		b, err := os.ReadFile(arg)
		switch {
		case err == nil:
			data = b
		case os.IsNotExist(err) || strings.ContainsAny(arg, "{:\n"):
			data = []byte(arg)
		default:
			return selector.QueryInfo{}, fmt.Errorf("read query: %w", err)
		}
	}

	var qi selector.QueryInfo
	if err := yaml.Unmarshal(data, &qi); err != nil {
		return qi, fmt.Errorf("parse query: %w", err)
	}
	if err := qi.Validate(); err != nil {
		return qi, err
	}
	return qi, nil
}

type resolveOutput struct {
	Matches   []string           `json:"matches" yaml:"matches"`
	QueryInfo selector.QueryInfo `json:"queryInfo" yaml:"queryInfo"`
}

func resolveDocument(ctx context.Context, doc *dom.Document, qi selector.QueryInfo) (resolveOutput, error) {
	res, err := locator.Resolve(ctx, locator.ScanFrom(doc, nil), qi)
	if err != nil {
		return resolveOutput{}, err
	}
	out := resolveOutput{Matches: []string{}, QueryInfo: res.QueryInfo}
	for _, obj := range res.Objects {
		n := obj.(*dom.Node)
		path := doc.CSSPath(n)
		if path == "" {
			path = doc.XPath(n)
		}
		out.Matches = append(out.Matches, path)
	}
	return out, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}
	qi, err := loadQuery(queryArg, cmd.InOrStdin())
	if err != nil {
		return err
	}
	logger.Debug("Resolving query", zap.String("document", args[0]), zap.Stringer("query", qi))

	out, err := resolveDocument(ctx, doc, qi)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	if len(out.Matches) == 0 {
		fmt.Fprintln(w, "no match")
		return nil
	}
	for _, m := range out.Matches {
		fmt.Fprintln(w, m)
	}
	fmt.Fprintf(w, "\nexplained by: %s\n", out.QueryInfo)
	return nil
}

func runSynthesize(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}
	target, err := doc.QueryOne(targetCSS)
	if err != nil {
		return fmt.Errorf("target %q: %w", targetCSS, err)
	}
	desc, err := recorder.GenerateAODesc(ctx, doc, target)
	if err != nil {
		return err
	}
	if desc.QueryInfo == nil {
		logger.Warn("No unique selector", zap.String("target", targetCSS))
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), desc)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(desc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
