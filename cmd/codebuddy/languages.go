package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/codebuddy/internal/config"
	"github.com/michaelbrown/codebuddy/internal/filter"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/sandbox/docker"
	"github.com/michaelbrown/codebuddy/internal/sandbox/interp"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "Show the language catalog and source filters",
	Long: `Print, as YAML, every language with its container settings, whether the
configured executor can run it and the source filter rules applied to it.`,
	Args: cobra.NoArgs,
	RunE: runLanguages,
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}

type languageInfo struct {
	Name      sandbox.Language `yaml:"name"`
	Supported bool             `yaml:"supported"`
	Image     string           `yaml:"image,omitempty"`
	Command   []string         `yaml:"command,omitempty"`
	Filters   []string         `yaml:"filters,omitempty"`
}

type languagesDoc struct {
	Executor  string         `yaml:"executor"`
	Languages []languageInfo `yaml:"languages"`
}

func runLanguages(cmd *cobra.Command, args []string) error {
	cat, err := cfg.Sandbox.Catalog()
	if err != nil {
		return err
	}

	doc := languagesDoc{Executor: cfg.Sandbox.Executor}
	for _, lang := range sandbox.Languages() {
		info := languageInfo{Name: lang, Supported: supports(cfg.Sandbox.Executor, cat, lang)}
		if spec, ok := cat[lang]; ok {
			info.Image = spec.Image
			info.Command = spec.Command
		}
		for _, r := range filter.Rules(lang) {
			info.Filters = append(info.Filters, r.Name)
		}
		doc.Languages = append(doc.Languages, info)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	return nil
}

// supports answers without connecting to a container daemon, so listing
// works anywhere.
func supports(executor string, cat sandbox.Catalog, lang sandbox.Language) bool {
	switch executor {
	case config.ExecutorInProcess:
		return interp.New(nil).Supports(lang)
	case config.ExecutorContainer:
		return docker.New(nil, nil, docker.Options{Catalog: cat}).Supports(lang)
	}
	return false
}
