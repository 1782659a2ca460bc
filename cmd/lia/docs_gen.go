package main

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/Nikoldigital777/LIA/pkg/config"
	"github.com/Nikoldigital777/LIA/pkg/stages"
)

// referenceDir is the subtree of the docs root owned by `docs generate`.
const referenceDir = "reference"

// docSet maps slash-separated paths under referenceDir to file contents.
type docSet map[string][]byte

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config and stage reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			docs, err := renderDocs(rootFactory())
			if err != nil {
				return err
			}
			dir := filepath.Join(outputDir, referenceDir)
			if checkOnly {
				return checkDocs(dir, docs)
			}
			return writeDocs(dir, docs)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

func renderDocs(root *cobra.Command) (docSet, error) {
	docs := docSet{}
	if err := renderCommandDocs(root, docs); err != nil {
		return nil, err
	}
	docs["config.md"] = []byte(configReference())
	stagesRef, err := stagesReference()
	if err != nil {
		return nil, err
	}
	docs["stages.md"] = []byte(stagesRef)
	return docs, nil
}

// renderCommandDocs runs the cobra generators in a scratch directory and
// collects their output under cli/ and man/.
func renderCommandDocs(root *cobra.Command, docs docSet) error {
	disableAutoGenTag(root)

	scratch, err := os.MkdirTemp("", "lia-docs-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	cliDir := filepath.Join(scratch, "cli")
	manDir := filepath.Join(scratch, "man")
	for _, dir := range []string{cliDir, manDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	title := func(filename string) string {
		name := strings.TrimSuffix(filepath.Base(filename), ".md")
		return "# " + strings.ReplaceAll(name, "_", " ") + "\n\n"
	}
	if err := cobraDoc.GenMarkdownTreeCustom(root, cliDir, title, func(name string) string { return name }); err != nil {
		return fmt.Errorf("generate cli markdown: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "LIA", Section: "1", Source: appName}
	if err := cobraDoc.GenManTree(root, header, manDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}

	for _, sub := range []string{"cli", "man"} {
		files, err := readFlatDir(filepath.Join(scratch, sub))
		if err != nil {
			return err
		}
		for name, data := range files {
			docs[path.Join(sub, name)] = data
		}
	}
	return nil
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		disableAutoGenTag(child)
	}
}

func readFlatDir(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[e.Name()] = data
	}
	return out, nil
}

// writeDocs replaces dir with docs.
func writeDocs(dir string, docs docSet) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	for rel, data := range docs {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// checkDocs reports every file under dir that differs from docs, is
// missing, or is no longer generated.
func checkDocs(dir string, docs docSet) error {
	onDisk := docSet{}
	for _, sub := range []string{"", "cli", "man"} {
		files, err := readFlatDir(filepath.Join(dir, sub))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		for name, data := range files {
			onDisk[path.Join(sub, name)] = data
		}
	}

	var stale []string
	for rel, want := range docs {
		if got, ok := onDisk[rel]; !ok || !bytes.Equal(got, want) {
			stale = append(stale, rel)
		}
	}
	for rel := range onDisk {
		if _, ok := docs[rel]; !ok {
			stale = append(stale, rel)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	return fmt.Errorf("docs out of date (%s); run `lia docs generate`", strings.Join(stale, ", "))
}

// configReference renders one table per config section with the key, its
// LIA_* variable and the default value.
func configReference() string {
	defaults := reflect.ValueOf(config.DefaultConfig()).Elem()
	sections := defaults.Type()

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys are read from the config file (JSON, or YAML for .yaml/.yml), then overridden by environment variables.\n")
	for i := 0; i < sections.NumField(); i++ {
		section := sections.Field(i)
		name := jsonName(section)
		if name == "" || section.Type.Kind() != reflect.Struct {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", name)
		b.WriteString("| Key | Env | Default |\n| --- | --- | --- |\n")
		values := defaults.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			field := section.Type.Field(j)
			key := jsonName(field)
			if key == "" {
				continue
			}
			fmt.Fprintf(&b, "| `%s.%s` | `%s` | %s |\n", name, key, field.Tag.Get("env"), defaultCell(values.Field(j)))
		}
	}
	return b.String()
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func defaultCell(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		if v.String() == "" {
			return "-"
		}
		return "`" + v.String() + "`"
	case reflect.Slice:
		if v.Len() == 0 {
			return "-"
		}
		items := make([]string, v.Len())
		for i := range items {
			items[i] = fmt.Sprint(v.Index(i).Interface())
		}
		return "`" + strings.Join(items, ",") + "`"
	default:
		return "`" + fmt.Sprint(v.Interface()) + "`"
	}
}

func stagesReference() (string, error) {
	p, err := stages.Build(config.DefaultConfig().PipelineOptions())
	if err != nil {
		return "", fmt.Errorf("build default pipeline: %w", err)
	}
	fanOut := map[string]bool{}
	for _, name := range p.FanOutNames() {
		fanOut[name] = true
	}

	var b strings.Builder
	b.WriteString("# Stage Reference\n\n")
	b.WriteString("Stages of the default pipeline in execution order. Fan-out stages run in parallel and join before the next sequential stage.\n\n")
	b.WriteString("| # | Stage | Mode |\n| --- | --- | --- |\n")
	for i, name := range p.StageNames() {
		mode := "sequential"
		if fanOut[name] {
			mode = "fan-out"
		}
		fmt.Fprintf(&b, "| %d | `%s` | %s |\n", i+1, name, mode)
	}
	return b.String(), nil
}
